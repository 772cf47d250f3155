// cmd/agent wires every subsystem package together into one running
// process: the CLI/config loader itself is out of scope (§1), so this file
// defines the ConfigSource seam a real loader would sit behind, plus an
// environment-variable stand-in for it.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the agent's own tunables: partition root, buffer ceiling,
// checkin interval, upload concurrency and the extensions kept on disk
// after upload. Subsystems take these as plain constructor arguments
// rather than reading global config, per SPEC_FULL.md §11.
type Config struct {
	Root                   string
	BufferCeiling          int64
	CheckinInterval        time.Duration
	MaxSimultaneousUploads int64
	DoNotDeleteExts        []string
}

// ConfigSource is the seam a real config-file/cloud-config loader would
// implement; the only implementation in this repo is envConfigSource below.
type ConfigSource interface {
	Load() (Config, error)
}

// envConfigSource reads tunables from the environment with sane defaults,
// standing in for the out-of-scope file/cloud loader so the agent has
// something concrete to boot from.
type envConfigSource struct{}

func NewEnvConfigSource() ConfigSource { return envConfigSource{} }

func (envConfigSource) Load() (Config, error) {
	cfg := Config{
		Root:                   getEnv("FLEETEDGE_ROOT", "/var/lib/fleetedge"),
		BufferCeiling:          getEnvInt64("FLEETEDGE_BUFFER_CEILING", 256<<20),
		CheckinInterval:        getEnvDuration("FLEETEDGE_CHECKIN_INTERVAL", 5*time.Minute),
		MaxSimultaneousUploads: getEnvInt64("FLEETEDGE_MAX_UPLOADS", 4),
		DoNotDeleteExts:        getEnvList("FLEETEDGE_DO_NOT_DELETE_EXTS", []string{".10n"}),
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}
