// Package campaign implements the CampaignManager: decoder/campaign
// ingestion, expression compilation (via inspect), the partial-signal-id
// table, dictionary extraction, and the enable/expire timeline, per §4.2.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package campaign

import (
	"time"

	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/decoder"
	"github.com/fleetedge/agent/inspect"
	"github.com/fleetedge/agent/membuf"
)

// SignalRef names one signal a campaign collects. A non-empty Path means
// this refers to one primitive field nested inside the complex signal
// identified by ExternalId (§4.2 "Partial-signal ids").
type SignalRef struct {
	ExternalId cos.SignalId
	Path       string
}

// SignalSpec is one campaign's per-signal collection request, as received.
type SignalSpec struct {
	Ref                  SignalRef
	MinSamplingInterval  time.Duration
	Buffer               membuf.SignalConfig
}

// PartitionSpec is one store-and-forward partition a campaign requests.
type PartitionSpec struct {
	Id              cos.PartitionId
	StorageLocation string
	MaxBytes        int64
	MinTTL          time.Duration
}

// UploadSpec is a campaign's optional S3 destination.
type UploadSpec struct {
	Bucket      string
	Prefix      string
	Region      string
	BucketOwner string
}

// RawCampaign is the in-memory shape of one cloud-published campaign
// message, before compilation. The wire decode that produces this is out
// of scope (§1); campaign.Manager only consumes the already-decoded shape.
type RawCampaign struct {
	SyncId             string
	Arn                cos.CampaignId
	DecoderSyncId      string
	StartTime          time.Time
	ExpiryTime         time.Time
	Priority           int
	MinPublishInterval time.Duration
	Compression        bool
	Persist            bool
	Signals            []SignalSpec
	Expression         *inspect.WireNode // nil means "always collect"
	Upload             *UploadSpec
	Partitions         []PartitionSpec
}

type State int

const (
	StateReceived State = iota
	StateIdle
	StateEnabled
	StateExpired
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateIdle:
		return "idle"
	case StateEnabled:
		return "enabled"
	case StateExpired:
		return "expired"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// ResolvedSignal is one campaign signal after partial-signal-id resolution:
// InternalId is what the rest of the pipeline (membuf, inspect) keys on.
type ResolvedSignal struct {
	InternalId          cos.SignalId
	Ref                 SignalRef
	MinSamplingInterval time.Duration
	Buffer              membuf.SignalConfig
}

// Campaign is a built campaign: the compiled tree, resolved signal ids, and
// lifecycle state.
type Campaign struct {
	Raw        RawCampaign
	Name       string
	Tree       *inspect.Tree
	Signals    []ResolvedSignal
	State      State
	DropReason string
}

func (c *Campaign) externalRefs() []SignalRef {
	refs := make([]SignalRef, len(c.Signals))
	for i, s := range c.Signals {
		refs[i] = s.Ref
	}
	return refs
}

// CheckinItem is one entry of the periodic checkin list sent to the cloud
// (the Schema collaborator itself is out of scope; this is the shape per
// original_source/src/ICollectionSchemeList.h).
type CheckinItem struct {
	CampaignArn   cos.CampaignId
	DecoderSyncId string
	Status        State
}

// Dictionary is a convenience alias so campaign.Manager's public surface
// doesn't force callers to import decoder directly just to hold a result.
type Dictionary = decoder.Dictionary
