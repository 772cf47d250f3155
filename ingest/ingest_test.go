package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetedge/agent/clock"
	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/decoder"
)

type push struct {
	signal    cos.SignalId
	payload   []byte
	timestamp time.Time
}

type fakePusher struct {
	mu    sync.Mutex
	calls []push
	err   error
}

func (f *fakePusher) Push(signal cos.SignalId, payload []byte, timestamp time.Time) (cos.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, push{signal, append([]byte(nil), payload...), timestamp})
	if f.err != nil {
		return 0, f.err
	}
	return cos.Handle(len(f.calls)), nil
}

func testDictionary() *decoder.Dictionary {
	can := map[decoder.Interface]map[decoder.MessageId]decoder.CANRule{
		"can0": {
			100: decoder.CANRule{
				Format:  "v1",
				Collect: decoder.CollectRaw,
				Signals: []decoder.SignalDef{{Id: 1}, {Id: 2}},
			},
		},
	}
	signalsToCollect := map[cos.SignalId]struct{}{1: {}}
	return decoder.NewDictionary(can, nil, signalsToCollect)
}

func TestIngestPushesRawBytesForCollectedSignalsOnly(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	r.SetDictionary(testDictionary())

	r.Ingest("can0", 12345, 100, []byte{0xDE, 0xAD})

	require.Len(t, fp.calls, 1, "signal 2 is not in signals_to_collect and must not be pushed")
	require.Equal(t, cos.SignalId(1), fp.calls[0].signal)
	require.Equal(t, []byte{0xDE, 0xAD}, fp.calls[0].payload)
}

func TestIngestUnknownMessageDroppedSilently(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	r.SetDictionary(testDictionary())

	r.Ingest("can0", 12345, 999, []byte{0x01})

	require.Empty(t, fp.calls)
}

func TestIngestZeroTimestampUsesWallClock(t *testing.T) {
	now := time.Unix(5000, 0)
	clk := clock.NewFake(now)
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	r.SetDictionary(testDictionary())

	r.Ingest("can0", 0, 100, []byte{0x01})

	require.Len(t, fp.calls, 1)
	require.Equal(t, now.UnixMilli(), fp.calls[0].timestamp.UnixMilli())
}

func TestIngestMonotonicTimestampEnforcedPerInterface(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	r.SetDictionary(testDictionary())

	r.Ingest("can0", 100, 100, []byte{0x01})
	r.Ingest("can0", 100, 100, []byte{0x02}) // same timestamp, must bump to last+1
	r.Ingest("can0", 50, 100, []byte{0x03})  // earlier timestamp, must bump to last+1

	require.Len(t, fp.calls, 3)
	require.Equal(t, int64(100), fp.calls[0].timestamp.UnixMilli())
	require.Equal(t, int64(101), fp.calls[1].timestamp.UnixMilli())
	require.Equal(t, int64(102), fp.calls[2].timestamp.UnixMilli())
}

func TestIngestMonotonicCounterIsPerInterface(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	can := map[decoder.Interface]map[decoder.MessageId]decoder.CANRule{
		"can0": {100: {Collect: decoder.CollectRaw, Signals: []decoder.SignalDef{{Id: 1}}}},
		"can1": {100: {Collect: decoder.CollectRaw, Signals: []decoder.SignalDef{{Id: 1}}}},
	}
	r.SetDictionary(decoder.NewDictionary(can, nil, map[cos.SignalId]struct{}{1: {}}))

	r.Ingest("can0", 500, 100, []byte{0x01})
	r.Ingest("can1", 500, 100, []byte{0x02})

	require.Len(t, fp.calls, 2)
	require.Equal(t, int64(500), fp.calls[0].timestamp.UnixMilli())
	require.Equal(t, int64(500), fp.calls[1].timestamp.UnixMilli(), "distinct interfaces track independent high-water marks")
}

func TestIngestNonRawRuleNotPushed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	can := map[decoder.Interface]map[decoder.MessageId]decoder.CANRule{
		"can0": {100: {Collect: decoder.CollectDecode, Signals: []decoder.SignalDef{{Id: 1}}}},
	}
	r.SetDictionary(decoder.NewDictionary(can, nil, map[cos.SignalId]struct{}{1: {}}))

	r.Ingest("can0", 500, 100, []byte{0x01})

	require.Empty(t, fp.calls, "a rule without the raw collect flag never reaches RawDataBuffer")
}

func TestIngestExtendedIdMaskFallbackStillPushes(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fp := &fakePusher{}
	r := NewReader(clk, fp, nil)
	can := map[decoder.Interface]map[decoder.MessageId]decoder.CANRule{
		"can0": {0x123: {Collect: decoder.CollectRaw, Signals: []decoder.SignalDef{{Id: 1}}}},
	}
	r.SetDictionary(decoder.NewDictionary(can, nil, map[cos.SignalId]struct{}{1: {}}))

	r.Ingest("can0", 1, 0x20000123, []byte{0x01})

	require.Len(t, fp.calls, 1)
}
