// Package persist implements the §6.3 persistence workspace: checksum-
// verified blob storage under FWE_Persistency/, plus the payload_metadata
// bookkeeping for collected_data/ garbage collection. Modeled on the
// teacher's volume-metadata load/persist/verify pattern (compute a digest
// alongside the payload, reject and discard on mismatch rather than trust
// a possibly-torn write).
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package persist

import (
	"os"

	"github.com/pkg/errors"

	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/cmn/stats"
)

const sha1Suffix = ".sha1"

// ErrNoBlob is returned by loadBlob when the primary file simply doesn't
// exist yet — the normal first-run state, distinct from a checksum failure.
var ErrNoBlob = errors.New("persist: no blob")

func saveBlob(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "persist: write %q", path)
	}
	if err := os.WriteFile(path+sha1Suffix, []byte(cos.SHA1Hex(data)), 0o644); err != nil {
		return errors.Wrapf(err, "persist: write %q", path+sha1Suffix)
	}
	return nil
}

// loadBlob reads path and verifies it against its .sha1 sidecar. On
// mismatch (wrong digest, or a missing/unreadable sidecar) it deletes both
// files and reports InvalidData, per §6.3: "on mismatch the blob and its
// digest are deleted".
func loadBlob(path string, st *stats.PersistStats) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBlob
		}
		return nil, errors.Wrapf(err, "persist: read %q", path)
	}
	want, err := os.ReadFile(path + sha1Suffix)
	if err != nil || string(want) != cos.SHA1Hex(data) {
		nlog.Warningf("persist: checksum mismatch for %q, discarding", path)
		if st != nil {
			st.ChecksumMismatch.Inc()
		}
		os.Remove(path)
		os.Remove(path + sha1Suffix)
		return nil, &cos.ErrInvalidData{Reason: "checksum mismatch: " + path}
	}
	return data, nil
}

func removeBlob(path string) {
	os.Remove(path)
	os.Remove(path + sha1Suffix)
}
