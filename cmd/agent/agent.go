package main

import (
	"github.com/pkg/errors"

	"github.com/fleetedge/agent/campaign"
	"github.com/fleetedge/agent/clock"
	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/cmn/stats"
	"github.com/fleetedge/agent/decoder"
	"github.com/fleetedge/agent/ingest"
	"github.com/fleetedge/agent/membuf"
	"github.com/fleetedge/agent/persist"
	"github.com/fleetedge/agent/store"
	"github.com/fleetedge/agent/upload"
)

// agent owns every subsystem's constructed instance for the lifetime of the
// process. Nothing here is a global: a test can build a second agent
// against a second temp root in the same binary.
type agent struct {
	cfg Config

	clk    *clock.System
	waiter clock.Waiter
	reg    *stats.Registry

	workspace *persist.Workspace
	buf       *membuf.Manager
	campaigns *campaign.Manager
	streams   *store.Manager
	sender    *upload.Sender
	reader    *ingest.Reader
}

func newAgent(cfg Config) (*agent, error) {
	clk := clock.NewSystem()
	reg := stats.NewRegistry()

	workspace, err := persist.NewWorkspace(cfg.Root, stats.NewPersistStats(reg))
	if err != nil {
		return nil, errors.Wrap(err, "agent: persistence workspace")
	}
	metadata, err := workspace.LoadMetadata()
	if err != nil {
		return nil, errors.Wrap(err, "agent: load payload_metadata")
	}
	if err := workspace.CleanupUnreferenced(metadata, cfg.DoNotDeleteExts); err != nil {
		nlog.Warningf("agent: collected_data cleanup: %v", err)
	}

	buf := membuf.NewManager(clk, cfg.BufferCeiling, stats.NewBufferStats(reg))

	waiter := clock.NewSystemWaiter(clk)
	campaigns := campaign.NewManager(clk, waiter, cfg.CheckinInterval)

	streams := store.NewManager(cfg.Root, stats.NewStreamStats(reg))

	transport := upload.NewS3Transport()
	sender := upload.NewSender(transport, cfg.MaxSimultaneousUploads, stats.NewUploadStats(reg))

	reader := ingest.NewReader(clk, buf, stats.NewIngestStats(reg))

	campaigns.SetOnRebuild(func(d *decoder.Dictionary) { reader.SetDictionary(d) })
	campaigns.SetOnActiveChanged(func(active map[string]campaign.ActiveCampaign) {
		if errs := streams.OnCampaignsChanged(toStoreActive(active)); errs != nil {
			if cnt, err := errs.JoinErr(); cnt > 0 {
				nlog.Warningf("agent: reconciling stream storage: %v", err)
			}
		}
	})
	campaigns.SetOnCheckin(func(items []campaign.CheckinItem) {
		nlog.Infof("agent: checkin: %d campaign(s)", len(items))
	})

	return &agent{
		cfg:       cfg,
		clk:       clk,
		waiter:    waiter,
		reg:       reg,
		workspace: workspace,
		buf:       buf,
		campaigns: campaigns,
		streams:   streams,
		sender:    sender,
		reader:    reader,
	}, nil
}

// Start launches the campaign timeline goroutine. Returns immediately.
func (a *agent) Start(stop <-chan struct{}) {
	go a.campaigns.Run(stop)
}

// Shutdown drains the upload sender (dropping queued work, waiting for
// in-flight uploads) and flushes logs. Used for both a normal and a
// SIGUSR1-triggered fatal exit, per §6.5.
func (a *agent) Shutdown() {
	a.sender.Disconnect()
	nlog.Flush()
}

func toStoreActive(active map[string]campaign.ActiveCampaign) map[string]store.ActiveCampaign {
	out := make(map[string]store.ActiveCampaign, len(active))
	for name, c := range active {
		partitions := make([]store.PartitionConfig, len(c.Partitions))
		for i, p := range c.Partitions {
			partitions[i] = store.PartitionConfig{
				Id:              p.Id,
				StorageLocation: p.StorageLocation,
				MaxBytes:        p.MaxBytes,
				MinTTL:          p.MinTTL,
			}
		}
		out[name] = store.ActiveCampaign{Name: c.Name, Persist: c.Persist, Partitions: partitions}
	}
	return out
}
