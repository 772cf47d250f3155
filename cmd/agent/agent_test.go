package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetedge/agent/campaign"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Root:                   t.TempDir(),
		BufferCeiling:          1 << 20,
		CheckinInterval:        time.Minute,
		MaxSimultaneousUploads: 2,
		DoNotDeleteExts:        []string{".10n"},
	}
}

func TestNewAgentWiresSubsystemsWithoutError(t *testing.T) {
	a, err := newAgent(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, a.buf)
	require.NotNil(t, a.campaigns)
	require.NotNil(t, a.streams)
	require.NotNil(t, a.sender)
	require.NotNil(t, a.reader)
}

func TestAgentStartAndShutdown(t *testing.T) {
	a, err := newAgent(testConfig(t))
	require.NoError(t, err)

	stop := make(chan struct{})
	a.Start(stop)
	close(stop)
	a.Shutdown() // must not block or panic with nothing in flight
}

func TestToStoreActiveConvertsPartitions(t *testing.T) {
	active := map[string]campaign.ActiveCampaign{
		"camp-1": {
			Name:    "camp-1",
			Persist: true,
			Partitions: []campaign.PartitionSpec{
				{Id: 1, StorageLocation: "a", MaxBytes: 100, MinTTL: time.Second},
			},
		},
	}
	out := toStoreActive(active)
	require.Len(t, out, 1)
	require.True(t, out["camp-1"].Persist)
	require.Equal(t, "a", out["camp-1"].Partitions[0].StorageLocation)
}
