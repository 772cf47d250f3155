package store

import (
	"os"
	"testing"
	"time"

	"github.com/fleetedge/agent/cmn/cos"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	dir := t.TempDir()
	return NewManager(dir, nil)
}

func oneCampaign(name string, partitions ...cos.PartitionId) map[string]ActiveCampaign {
	cfgs := make([]PartitionConfig, len(partitions))
	for i, p := range partitions {
		cfgs[i] = PartitionConfig{Id: p, StorageLocation: "p" + p.String(), MinTTL: time.Hour}
	}
	return map[string]ActiveCampaign{name: {Name: name, Persist: true, Partitions: cfgs}}
}

// S1: single-partition campaign append & read back.
func TestSingleParitionAppendAndReadBack(t *testing.T) {
	m := newTestManager(t)
	errs := m.OnCampaignsChanged(oneCampaign("C", 0))
	require.Equal(t, 0, errs.Cnt())

	require.NoError(t, m.Append(DataToPersist{
		Campaign: "C", Partition: 0, Payload: []byte("hello"),
		NumSignals: 1, TriggerTime: time.UnixMilli(1234567),
	}))

	rec, cpFn, err := m.Read("C", 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rec.Payload))
	require.Equal(t, int64(1234567), rec.TriggerTime.UnixMilli())

	require.NoError(t, cpFn())
	_, _, err = m.Read("C", 0)
	require.ErrorIs(t, err, cos.ErrEndOfStream)
}

// Round-trip law: reading without checkpointing must return the same record.
func TestReadWithoutCheckpointReissuesSameRecord(t *testing.T) {
	m := newTestManager(t)
	m.OnCampaignsChanged(oneCampaign("C", 0))
	require.NoError(t, m.Append(DataToPersist{Campaign: "C", Partition: 0, Payload: []byte("x"), NumSignals: 1}))

	rec1, _, err := m.Read("C", 0)
	require.NoError(t, err)
	rec2, _, err := m.Read("C", 0)
	require.NoError(t, err)
	require.Equal(t, rec1.Payload, rec2.Payload)
}

// S2: two-partition campaign, independent cursors.
func TestTwoPartitionsIndependentCursors(t *testing.T) {
	m := newTestManager(t)
	m.OnCampaignsChanged(oneCampaign("C", 0, 1))

	require.NoError(t, m.Append(DataToPersist{Campaign: "C", Partition: 0, Payload: []byte("A"), NumSignals: 1}))
	require.NoError(t, m.Append(DataToPersist{Campaign: "C", Partition: 1, Payload: []byte("B"), NumSignals: 1}))
	require.NoError(t, m.Append(DataToPersist{Campaign: "C", Partition: 0, Payload: []byte("C"), NumSignals: 1}))

	recA, cpA, err := m.Read("C", 0)
	require.NoError(t, err)
	require.Equal(t, "A", string(recA.Payload))
	require.NoError(t, cpA())

	recC, _, err := m.Read("C", 0)
	require.NoError(t, err)
	require.Equal(t, "C", string(recC.Payload))

	recB, _, err := m.Read("C", 1)
	require.NoError(t, err)
	require.Equal(t, "B", string(recB.Payload))
}

// S3: campaign replacement deletes streams.
func TestCampaignReplacementDeletesStreams(t *testing.T) {
	m := newTestManager(t)
	m.OnCampaignsChanged(oneCampaign("C", 0))
	require.NoError(t, m.Append(DataToPersist{Campaign: "C", Partition: 0, Payload: []byte("x"), NumSignals: 1}))

	m.OnCampaignsChanged(map[string]ActiveCampaign{})

	_, _, err := m.Read("C", 0)
	require.Error(t, err)
	var notFound *cos.ErrStreamNotFound
	require.ErrorAs(t, err, &notFound)

	_, statErr := os.Stat(m.root + "/C")
	require.True(t, os.IsNotExist(statErr))
}

func TestAppendEmptyDataRejected(t *testing.T) {
	m := newTestManager(t)
	m.OnCampaignsChanged(oneCampaign("C", 0))
	err := m.Append(DataToPersist{Campaign: "C", Partition: 0, NumSignals: 0})
	require.Error(t, err)
}

func TestAppendUnknownStreamRejected(t *testing.T) {
	m := newTestManager(t)
	err := m.Append(DataToPersist{Campaign: "nope", Partition: 0, NumSignals: 1})
	var notFound *cos.ErrStreamNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestReservedStorageLocationRejected(t *testing.T) {
	m := newTestManager(t)
	errs := m.OnCampaignsChanged(map[string]ActiveCampaign{
		"C": {Name: "C", Persist: true, Partitions: []PartitionConfig{{Id: 0, StorageLocation: ".."}}},
	})
	require.Equal(t, 1, errs.Cnt())
	require.False(t, m.HasCampaign("C") && len(m.PartitionIds("C")) > 0)
}

func TestCollidingPartitionLocationsRejected(t *testing.T) {
	m := newTestManager(t)
	errs := m.OnCampaignsChanged(map[string]ActiveCampaign{
		"C": {Name: "C", Persist: true, Partitions: []PartitionConfig{
			{Id: 0, StorageLocation: "shared"},
			{Id: 1, StorageLocation: "shared"},
		}},
	})
	require.Equal(t, 1, errs.Cnt())
	require.Len(t, m.PartitionIds("C"), 1)
}
