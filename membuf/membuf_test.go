package membuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetedge/agent/clock"
	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/stats"
)

func newTestManager(t *testing.T, ceiling int64) *Manager {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	return NewManager(clk, ceiling, stats.NewBufferStats(stats.NewRegistry()))
}

func TestPushAtExactByteBoundarySucceeds(t *testing.T) {
	m := newTestManager(t, 1<<20)
	errs := m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 4, MaxPerSignal: 4, MaxNumSamples: 10}})
	require.Equal(t, 0, errs.Cnt())

	_, err := m.Push(1, []byte{1, 2, 3, 4}, time.Unix(1000, 0))
	require.NoError(t, err)
}

func TestPushOneByteOverSampleBoundaryFails(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 4, MaxPerSignal: 100, MaxNumSamples: 10}})

	_, err := m.Push(1, []byte{1, 2, 3, 4, 5}, time.Unix(1000, 0))
	require.Error(t, err)
	var tooBig *cos.ErrTooBig
	require.ErrorAs(t, err, &tooBig)
}

func TestPushOneByteOverSignalBoundaryFails(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 100, MaxPerSignal: 4, MaxNumSamples: 10}})

	_, err := m.Push(1, []byte{1, 2, 3, 4, 5}, time.Unix(1000, 0))
	require.Error(t, err)
	var tooBig *cos.ErrTooBig
	require.ErrorAs(t, err, &tooBig)
}

// max_num_samples boundary: filling to the limit succeeds; the push past it
// evicts the oldest unborrowed, unhinted frame (tier 1) rather than failing.
func TestMaxNumSamplesBoundaryEvictsOldestFifo(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 10, MaxPerSignal: 1000, MaxNumSamples: 2}})

	h1, err := m.Push(1, []byte("a"), time.Unix(1000, 0))
	require.NoError(t, err)
	_, err = m.Push(1, []byte("b"), time.Unix(1001, 0))
	require.NoError(t, err)
	require.Equal(t, int64(2), m.StatisticsFor(1).InMemory)

	_, err = m.Push(1, []byte("c"), time.Unix(1002, 0))
	require.NoError(t, err)
	require.Equal(t, int64(2), m.StatisticsFor(1).InMemory, "oldest frame evicted to stay at the sample ceiling")

	_, err = m.Borrow(1, h1)
	require.Error(t, err, "the oldest frame should have been evicted, its handle is now unknown")
}

// S6: max_num_samples=1 and the single frame is pinned for uploading — no
// eviction tier can free room, so the second push must fail with NoCapacity.
func TestPushFailsWhenSoleFrameIsPinnedForUploading(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 10, MaxPerSignal: 1000, MaxNumSamples: 1}})

	h1, err := m.Push(1, []byte("a"), time.Unix(1000, 0))
	require.NoError(t, err)
	require.True(t, m.IncreaseHint(1, h1, StageUploading))

	_, err = m.Push(1, []byte("b"), time.Unix(1001, 0))
	require.Error(t, err)
	var noCap *cos.ErrNoCapacity
	require.ErrorAs(t, err, &noCap)

	require.Equal(t, int64(1), m.StatisticsFor(1).InMemory, "the pinned frame must survive the failed push untouched")
}

// Tier 2 evicts a frame still marked used for a non-uploading stage, as long
// as it isn't borrowed and isn't pinned specifically for uploading — that's
// "overwritten data with used handle", distinct from S6 where the hint is on
// StageUploading and blocks eviction outright.
func TestPushEvictsNonUploadHintedFrameWhenNoOtherRoom(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 10, MaxPerSignal: 1000, MaxNumSamples: 1}})

	h1, err := m.Push(1, []byte("a"), time.Unix(1000, 0))
	require.NoError(t, err)
	require.True(t, m.IncreaseHint(1, h1, StageSerializing))

	_, err = m.Push(1, []byte("b"), time.Unix(1001, 0))
	require.NoError(t, err, "a serializing-only hint doesn't protect a frame from tier 2 eviction")

	_, err = m.Borrow(1, h1)
	require.Error(t, err, "the serializing-hinted frame was evicted to make room")
}

func TestBorrowCountSaturatesAt255(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 10, MaxPerSignal: 1000, MaxNumSamples: 10}})
	h, err := m.Push(1, []byte("a"), time.Unix(1000, 0))
	require.NoError(t, err)

	loans := make([]*Loan, 0, 255)
	for i := 0; i < 255; i++ {
		loan, err := m.Borrow(1, h)
		require.NoError(t, err, "borrow %d of 255 must succeed", i+1)
		loans = append(loans, loan)
	}

	_, err = m.Borrow(1, h)
	require.Error(t, err, "the 256th borrow must fail without incrementing past the saturating 255 cap")
	var noCap *cos.ErrNoCapacity
	require.ErrorAs(t, err, &noCap)

	for _, loan := range loans {
		loan.Release()
	}
}

func TestBorrowZeroSizePayloadIsMissingLoan(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 10, MaxPerSignal: 1000, MaxNumSamples: 10}})
	h, err := m.Push(1, nil, time.Unix(1000, 0))
	require.NoError(t, err)

	loan, err := m.Borrow(1, h)
	require.NoError(t, err)
	require.True(t, loan.Missing())
}

func TestUpdateConfigRejectsWhenReservedExceedsCeiling(t *testing.T) {
	m := newTestManager(t, 100)
	errs := m.UpdateConfig(map[cos.SignalId]SignalConfig{
		1: {MaxPerSample: 10, MaxPerSignal: 10, MaxNumSamples: 1, Reserved: 60},
		2: {MaxPerSample: 10, MaxPerSignal: 10, MaxNumSamples: 1, Reserved: 60},
	})
	require.Equal(t, 1, errs.Cnt())
}

func TestPushUnknownSignalFails(t *testing.T) {
	m := newTestManager(t, 1<<20)
	_, err := m.Push(99, []byte("a"), time.Unix(1000, 0))
	require.Error(t, err)
	var unknown *cos.ErrUnknownSignal
	require.ErrorAs(t, err, &unknown)
}

func TestResetHintsEvictsNewlyEligibleFrames(t *testing.T) {
	m := newTestManager(t, 1<<20)
	m.UpdateConfig(map[cos.SignalId]SignalConfig{1: {MaxPerSample: 10, MaxPerSignal: 1000, MaxNumSamples: 10}})
	h, err := m.Push(1, []byte("a"), time.Unix(1000, 0))
	require.NoError(t, err)
	require.True(t, m.IncreaseHint(1, h, StageUploading))

	m.ResetHints(StageUploading)

	_, err = m.Borrow(1, h)
	require.Error(t, err, "clearing the only outstanding hint makes the frame immediately evictable")
}
