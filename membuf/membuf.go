// Package membuf implements the Raw-Data Buffer Manager: a reference-counted,
// per-signal arena for variable-size opaque payloads (images, LiDAR, video
// frames too large to copy through the decoded-signal path). Modeled on the
// teacher's memsys package — one mutex-guarded index, explicit
// reservation/eviction rather than GC, loans instead of raw pointers — but
// keyed by (SignalId, Handle) instead of slab size classes, per §4.1.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package membuf

import (
	"sync"
	"time"

	"github.com/fleetedge/agent/clock"
	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/debug"
	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/cmn/stats"
)

// Stage indexes a usage_hints slot. The agent pipeline defines three stages
// a frame can still be needed by after the inspection engine selects it;
// Uploading is the one §4.1's push eviction treats specially (tier two:
// "overwritten data with used handle").
type Stage int

const (
	StageInspection Stage = iota
	StageSerializing
	StageUploading
	NumStages
)

func (s Stage) valid() bool { return s >= 0 && s < NumStages }

// SignalConfig is one entry of the map update_config installs.
type SignalConfig struct {
	MaxPerSample  int64 // Error::TooBig if a single push exceeds this
	MaxPerSignal  int64 // Error::TooBig if a single push exceeds this; the buffer's own total is kept within it by eviction
	MaxNumSamples int   // frame-count ceiling for this signal's buffer
	Reserved      int64 // bytes counted toward the system ceiling even while the buffer is empty
}

// Frame is one unit of raw payload stored in the buffer.
type Frame struct {
	handle      cos.Handle
	timestamp   time.Time
	payload     []byte
	borrowCount uint8
	hints       [NumStages]uint8
}

func (f *Frame) evictable() bool {
	if f.borrowCount != 0 {
		return false
	}
	for _, h := range f.hints {
		if h != 0 {
			return false
		}
	}
	return true
}

// Loan is time-bounded read access to a Frame's bytes. Go has no
// destructors, so unlike the teacher's RAII loan this one is released
// explicitly; callers are expected to `defer loan.Release()` immediately
// after a successful Borrow, the same discipline as an io.ReadCloser.
type Loan struct {
	bytes   []byte
	release func()
	missing bool
}

func (l *Loan) Bytes() []byte { return l.bytes }
func (l *Loan) Missing() bool { return l.missing }

func (l *Loan) Release() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

type signalStats struct {
	received       int64
	totalLifetime  time.Duration
	maxLifetime    time.Duration
	minLifetime    time.Duration
	overwrittenCnt int64
}

type buffer struct {
	signal   cos.SignalId
	cfg      SignalConfig
	frames   []*Frame // FIFO: index 0 is oldest
	deleting bool
	bytesUse int64 // sum of frame payload lengths
	minter   cos.HandleMinter
	st       signalStats
}

func (b *buffer) find(h cos.Handle) (*Frame, int) {
	for i, f := range b.frames {
		if f.handle == h {
			return f, i
		}
	}
	return nil, -1
}

func (b *buffer) removeAt(i int) {
	f := b.frames[i]
	b.bytesUse -= int64(len(f.payload))
	b.frames = append(b.frames[:i], b.frames[i+1:]...)
}

// Stats is the result of Manager.Statistics()/StatisticsFor(signal).
type Stats struct {
	Received         int64
	InMemory         int64
	BorrowedBySender int64
	MaxTimeInMemory  time.Duration
	AvgTimeInMemory  time.Duration
	MinTimeInMemory  time.Duration
}

// Manager is the RawDataBuffer: one mutex guards the whole index, per §4.1's
// concurrency design ("intentional; buffers are short").
type Manager struct {
	mu       sync.Mutex
	clk      clock.Clock
	ceiling  int64
	buffers  map[cos.SignalId]*buffer
	bytesUse int64 // system.bytes_in_use: sum over buffers of bytesUse
	reserved int64 // system.bytes_in_use_and_reserved - bytesUse
	overflow int64
	stats    *stats.BufferStats
}

func NewManager(clk clock.Clock, ceiling int64, st *stats.BufferStats) *Manager {
	return &Manager{
		clk:     clk,
		ceiling: ceiling,
		buffers: make(map[cos.SignalId]*buffer),
		stats:   st,
	}
}

// systemReservedLocked computes bytes_in_use_and_reserved: for every buffer,
// the larger of its actual usage and its configured reservation, summed.
// This keeps the two invariant properties in §8 true by construction:
// bytes_in_use <= bytes_in_use_and_reserved <= ceiling.
func (m *Manager) systemReservedLocked() int64 {
	var total int64
	for _, b := range m.buffers {
		r := b.cfg.Reserved
		if b.bytesUse > r {
			r = b.bytesUse
		}
		total += r
	}
	return total
}

// UpdateConfig installs a new per-signal configuration. See §4.1.
func (m *Manager) UpdateConfig(signals map[cos.SignalId]SignalConfig) *cos.Errs {
	errs := &cos.Errs{}
	m.mu.Lock()
	defer m.mu.Unlock()

	// signals removed: mark deleting, free what's evictable now
	for id, b := range m.buffers {
		if _, keep := signals[id]; keep {
			continue
		}
		b.deleting = true
		m.evictEligibleLocked(b)
		if len(b.frames) == 0 {
			delete(m.buffers, id)
		}
	}

	// signals added: reserve room or fail that one
	for id, cfg := range signals {
		if _, exists := m.buffers[id]; exists {
			m.buffers[id].cfg = cfg
			continue
		}
		projected := m.systemReservedLocked() + cfg.Reserved
		if projected > m.ceiling {
			errs.Add(&cos.ErrNoCapacity{Signal: uint32(id)})
			continue
		}
		m.buffers[id] = &buffer{signal: id, cfg: cfg}
	}
	return errs
}

// Push copies bytes into a new Frame. See §4.1.
func (m *Manager) Push(signal cos.SignalId, payload []byte, timestamp time.Time) (cos.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[signal]
	if !ok {
		return 0, &cos.ErrUnknownSignal{Signal: uint32(signal)}
	}
	if b.deleting {
		return 0, &cos.ErrDeleting{What: "signal buffer"}
	}
	n := int64(len(payload))
	if n > b.cfg.MaxPerSample || n > b.cfg.MaxPerSignal {
		return 0, &cos.ErrTooBig{Len: len(payload), Max: int(cos.Min(b.cfg.MaxPerSample, b.cfg.MaxPerSignal))}
	}

	if !m.makeRoomLocked(b, n) {
		m.overflow++
		if m.stats != nil {
			m.stats.Overflow.Inc()
		}
		return 0, &cos.ErrNoCapacity{Signal: uint32(signal)}
	}

	h := b.minter.Next(timestamp.UnixMilli())
	f := &Frame{handle: h, timestamp: timestamp, payload: append([]byte(nil), payload...)}
	b.frames = append(b.frames, f)
	b.bytesUse += n
	m.bytesUse += n
	b.st.received++
	if m.stats != nil {
		m.stats.Received.WithLabelValues(signalLabel(signal)).Inc()
		m.stats.BytesInUse.Set(float64(m.bytesUse))
	}
	return h, nil
}

// makeRoomLocked ensures buffer b (and the system ceiling) can hold n more
// bytes, evicting per the two-tier order in §4.1 if needed.
func (m *Manager) makeRoomLocked(b *buffer, n int64) bool {
	fits := func() bool {
		if len(b.frames) >= b.cfg.MaxNumSamples || b.bytesUse+n > b.cfg.MaxPerSignal {
			return false
		}
		// bytes_in_use_and_reserved after the push must stay within the ceiling
		own := cos.Max(b.bytesUse, b.cfg.Reserved)
		after := cos.Max(b.bytesUse+n, b.cfg.Reserved)
		return m.systemReservedLocked()-own+after <= m.ceiling
	}
	// tier 0: no eviction needed
	if fits() {
		return true
	}
	// tier 1: evict fully-eligible frames, FIFO, from this buffer
	for i := 0; i < len(b.frames); {
		if fits() {
			return true
		}
		f := b.frames[i]
		if f.evictable() {
			m.removeFrameLocked(b, i, StageInspection /* unused for tier label */, false)
			continue
		}
		i++
	}
	if fits() {
		return true
	}
	// tier 2: evict frames only still needed for uploading; this is
	// "overwritten data with used handle" for observability.
	for i := 0; i < len(b.frames); {
		if fits() {
			return true
		}
		f := b.frames[i]
		if f.borrowCount == 0 && f.hints[StageUploading] == 0 {
			b.st.overwrittenCnt++
			m.removeFrameLocked(b, i, StageUploading, true)
			continue
		}
		i++
	}
	return fits()
}

func (m *Manager) removeFrameLocked(b *buffer, i int, tier Stage, overwritten bool) {
	f := b.frames[i]
	b.removeAt(i)
	m.bytesUse -= int64(len(f.payload))
	debug.Assert(m.bytesUse >= 0 && b.bytesUse >= 0, "membuf: bytes_in_use underflow")
	if m.stats != nil {
		label := "fifo"
		if overwritten {
			label = "uploading"
		}
		m.stats.Evicted.WithLabelValues(signalLabel(b.signal), label).Inc()
		m.stats.BytesInUse.Set(float64(m.bytesUse))
	}
}

// evictEligibleLocked evicts every currently-evictable frame in b, used by
// UpdateConfig and ResetHints.
func (m *Manager) evictEligibleLocked(b *buffer) {
	for i := 0; i < len(b.frames); {
		if b.frames[i].evictable() {
			m.removeFrameLocked(b, i, StageInspection, false)
			continue
		}
		i++
	}
}

// Borrow atomically increments borrow_count and returns a loan over the
// frame's bytes.
func (m *Manager) Borrow(signal cos.SignalId, h cos.Handle) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[signal]
	if !ok {
		return nil, &cos.ErrUnknownSignal{Signal: uint32(signal)}
	}
	f, _ := b.find(h)
	if f == nil {
		return nil, &cos.ErrUnknownHandle{Signal: uint32(signal), Handle: uint64(h)}
	}
	if len(f.payload) == 0 {
		return &Loan{missing: true}, nil
	}
	if f.borrowCount == 255 {
		return nil, &cos.ErrNoCapacity{Signal: uint32(signal)}
	}
	f.borrowCount++
	released := false
	return &Loan{
		bytes: f.payload,
		release: func() {
			if released {
				return
			}
			released = true
			m.releaseLocked(signal, h)
		},
	}, nil
}

func (m *Manager) releaseLocked(signal cos.SignalId, h cos.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[signal]
	if !ok {
		return
	}
	f, i := b.find(h)
	if f == nil {
		return
	}
	if f.borrowCount > 0 {
		f.borrowCount--
	}
	if f.evictable() {
		m.removeFrameLocked(b, i, StageInspection, false)
		if b.deleting && len(b.frames) == 0 {
			delete(m.buffers, signal)
		}
	}
}

// IncreaseHint / DecreaseHint adjust a stage-specific usage counter.
func (m *Manager) IncreaseHint(signal cos.SignalId, h cos.Handle, stage Stage) bool {
	if !stage.valid() {
		nlog.Errorf("membuf: invalid stage %d", stage)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[signal]
	if !ok {
		nlog.Errorf("membuf: increase_hint: unknown signal %d", signal)
		return false
	}
	f, _ := b.find(h)
	if f == nil {
		nlog.Errorf("membuf: increase_hint: unknown handle for signal %d", signal)
		return false
	}
	if f.hints[stage] < 255 {
		f.hints[stage]++
	}
	return true
}

func (m *Manager) DecreaseHint(signal cos.SignalId, h cos.Handle, stage Stage) bool {
	if !stage.valid() {
		nlog.Errorf("membuf: invalid stage %d", stage)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[signal]
	if !ok {
		nlog.Errorf("membuf: decrease_hint: unknown signal %d", signal)
		return false
	}
	f, i := b.find(h)
	if f == nil {
		nlog.Errorf("membuf: decrease_hint: unknown handle for signal %d", signal)
		return false
	}
	if f.hints[stage] > 0 {
		f.hints[stage]--
	}
	if f.evictable() {
		m.removeFrameLocked(b, i, StageInspection, false)
		if b.deleting && len(b.frames) == 0 {
			delete(m.buffers, signal)
		}
	}
	return true
}

// ResetHints clears stage's counter on every frame, attempting eviction of
// newly-eligible ones. Used on campaign deactivation.
func (m *Manager) ResetHints(stage Stage) {
	if !stage.valid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.buffers {
		for _, f := range b.frames {
			f.hints[stage] = 0
		}
		m.evictEligibleLocked(b)
		if b.deleting && len(b.frames) == 0 {
			delete(m.buffers, id)
		}
	}
}

// Statistics returns system-wide stats; StatisticsFor scopes to one signal.
func (m *Manager) Statistics() Stats { return m.statisticsLocked(nil) }

func (m *Manager) StatisticsFor(signal cos.SignalId) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[signal]
	if !ok {
		return Stats{}
	}
	return m.bufferStatsLocked(b)
}

func (m *Manager) statisticsLocked(_ any) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out Stats
	now := m.clk.Now()
	var first = true
	for _, b := range m.buffers {
		s := m.bufferStatsLocked(b)
		out.Received += s.Received
		out.InMemory += s.InMemory
		out.BorrowedBySender += s.BorrowedBySender
		if s.InMemory == 0 {
			continue
		}
		if first || s.MaxTimeInMemory > out.MaxTimeInMemory {
			out.MaxTimeInMemory = s.MaxTimeInMemory
		}
		if first || s.MinTimeInMemory < out.MinTimeInMemory {
			out.MinTimeInMemory = s.MinTimeInMemory
		}
		first = false
	}
	_ = now
	return out
}

func (m *Manager) bufferStatsLocked(b *buffer) Stats {
	now := m.clk.Now()
	s := Stats{Received: b.st.received, InMemory: int64(len(b.frames))}
	var total time.Duration
	for i, f := range b.frames {
		if f.borrowCount > 0 {
			s.BorrowedBySender++
		}
		age := now.Sub(f.timestamp)
		total += age
		if i == 0 || age > s.MaxTimeInMemory {
			s.MaxTimeInMemory = age
		}
		if i == 0 || age < s.MinTimeInMemory {
			s.MinTimeInMemory = age
		}
	}
	if len(b.frames) > 0 {
		s.AvgTimeInMemory = total / time.Duration(len(b.frames))
	}
	return s
}

func signalLabel(id cos.SignalId) string { return id.String() }
