// Package ingest is the bus-reader entrypoint (§6.1): it looks up each
// inbound CAN frame's decode rule, enforces the per-interface monotonic
// timestamp rule, and pushes the frame's raw bytes into the RawDataBuffer
// for every signal a campaign still wants collected. Modeled on the
// teacher's ais/tgtobj.go put path: validate, resolve, delegate to the
// owning subsystem, count every outcome.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetedge/agent/clock"
	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/stats"
	"github.com/fleetedge/agent/decoder"
)

// Pusher is the subset of membuf.Manager ingest needs, narrowed so tests
// don't have to stand up a real RawDataBuffer.
type Pusher interface {
	Push(signal cos.SignalId, payload []byte, timestamp time.Time) (cos.Handle, error)
}

// Reader is the bus-reader entrypoint. One Reader serves one physical
// interface set; the agent wires one per transport the way the teacher
// wires one target runner per mountpath.
type Reader struct {
	clk  clock.Clock
	buf  Pusher
	st   *stats.IngestStats
	dict atomic.Pointer[decoder.Dictionary]

	mu   sync.Mutex
	last map[decoder.Interface]uint64 // last observed timestamp_ms per interface
}

func NewReader(clk clock.Clock, buf Pusher, st *stats.IngestStats) *Reader {
	r := &Reader{
		clk:  clk,
		buf:  buf,
		st:   st,
		last: make(map[decoder.Interface]uint64),
	}
	r.dict.Store(decoder.Empty())
	return r
}

// SetDictionary installs the Dictionary campaign.Manager most recently
// published. Safe to call concurrently with Ingest.
func (r *Reader) SetDictionary(d *decoder.Dictionary) {
	if d == nil {
		d = decoder.Empty()
	}
	r.dict.Store(d)
}

// Ingest is fn ingest(interface_id, timestamp_ms_or_zero, message_id, bytes)
// from §6.1. A zero timestamp means "use local wall clock"; otherwise the
// given value is used if strictly greater than the last observed value for
// this interface, else last+1. An (interface, message_id) with no decoder
// row, even after the extended-id mask fallback built into
// decoder.Dictionary.Lookup, is dropped silently.
func (r *Reader) Ingest(interfaceId string, timestampMsOrZero uint64, messageId uint32, bytes []byte) {
	iface := decoder.Interface(interfaceId)
	ts := r.resolveTimestamp(iface, timestampMsOrZero)

	dict := r.dict.Load()
	rule, ok := dict.Lookup(iface, decoder.MessageId(messageId))
	if !ok {
		if r.st != nil {
			r.st.Unknown.WithLabelValues(interfaceId).Inc()
		}
		return
	}
	if r.st != nil {
		r.st.Accepted.WithLabelValues(interfaceId).Inc()
	}
	if !rule.Collect.Raw() {
		return
	}

	when := time.UnixMilli(int64(ts))
	for _, sig := range rule.Signals {
		if !dict.IsCollected(sig.Id) {
			continue
		}
		if _, err := r.buf.Push(sig.Id, bytes, when); err != nil && r.st != nil {
			r.st.PushError.WithLabelValues(sig.Id.String()).Inc()
		}
	}
}

// resolveTimestamp implements the §6.1 monotonic-timestamp rule per
// interface, returning milliseconds since epoch.
func (r *Reader) resolveTimestamp(iface decoder.Interface, given uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ts uint64
	if given == 0 {
		ts = uint64(r.clk.Now().UnixMilli())
	} else {
		ts = given
	}

	if last, ok := r.last[iface]; ok && ts <= last {
		ts = last + 1
	}
	r.last[iface] = ts
	return ts
}
