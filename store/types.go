// Package store implements the StreamEngine: append-only per-partition logs
// for campaigns flagged store-and-forward, with a single-entry checkpoint
// per partition so a restart resumes exactly where the last acknowledged
// read left off. Modeled on the teacher's mountpath-rooted, directory-per-
// entity layout (fs/persistent_md.go's "one file per logical thing, under a
// well-known relative path") but keyed by campaign name and partition id
// instead of bucket/object.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package store

import (
	"time"

	"github.com/fleetedge/agent/cmn/cos"
)

// PartitionConfig is one partition's store-and-forward configuration, as
// forwarded from campaign.ActiveCampaign by the caller (cmd/agent) — this
// package takes its own plain struct rather than importing campaign, so
// the two subsystems stay wireable independently per the module layout.
type PartitionConfig struct {
	Id              cos.PartitionId
	StorageLocation string
	MaxBytes        int64
	MinTTL          time.Duration
}

// ActiveCampaign is the store-relevant subset of a campaign's config, as
// passed to OnCampaignsChanged.
type ActiveCampaign struct {
	Name       string
	Persist    bool
	Partitions []PartitionConfig
}

// DataToPersist is one record to append, per §4.3 "append".
type DataToPersist struct {
	Campaign    string
	Partition   cos.PartitionId
	Payload     []byte
	NumSignals  uint64
	TriggerTime time.Time
}

// Record is one record returned by Read.
type Record struct {
	Payload     []byte
	NumSignals  uint64
	TriggerTime time.Time
}

// CheckpointFunc advances a stream's read cursor past the record it was
// returned alongside. Calling it more than once is a no-op.
type CheckpointFunc func() error

const (
	logFileName     = "0.log"
	kvFileName      = "s"
	kvKey           = "checkpoint"
	kvSchemaVersion = 1
)
