package campaign

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/fleetedge/agent/cmn/cos"
)

type idEntry struct {
	ref SignalRef
	id  cos.SignalId
}

// idTable is one campaign's partial-signal-id table: internal_id →
// (external_id, path), per §4.2. Keyed by an xxhash of the (external_id,
// path) pair rather than a string-keyed map — the same hashing library the
// teacher pulls in for fs/hrw.go's rendezvous hashing, repurposed here for
// a plain dedup key instead of node placement.
type idTable struct {
	byHash map[uint64]idEntry
	next   uint32
}

func newIdTable() *idTable {
	return &idTable{byHash: make(map[uint64]idEntry)}
}

func hashRef(ref SignalRef) uint64 {
	h := xxhash.New64()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(ref.ExternalId))
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(ref.Path)
	return h.Sum64()
}

// resolve returns the internal id for ref, minting a fresh one (with the
// internal bit set) on first sight of this exact (external_id, path) pair
// within this campaign. A bare top-level reference (Path == "") is its own
// external id — partial-signal synthesis only applies to nested paths.
func (t *idTable) resolve(ref SignalRef) cos.SignalId {
	if ref.Path == "" {
		return ref.ExternalId
	}
	key := hashRef(ref)
	if e, ok := t.byHash[key]; ok && e.ref == ref {
		return e.id
	}
	id := cos.MakeInternalSignalId(t.next)
	t.next++
	t.byHash[key] = idEntry{ref: ref, id: id}
	return id
}
