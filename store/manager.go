package store

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/cmn/stats"
)

const persistencyDirName = "FWE_Persistency"

type campaignStreams struct {
	partitions map[cos.PartitionId]*stream
	locations  map[string]cos.PartitionId // storage location -> partition, for the collision check
}

// Manager is the StreamEngine. One mutex guards the campaign index; each
// stream additionally serializes its own file/kv access, per §4.3
// "Concurrency".
type Manager struct {
	mu        sync.Mutex
	root      string
	campaigns map[string]*campaignStreams
	st        *stats.StreamStats
}

func NewManager(root string, st *stats.StreamStats) *Manager {
	return &Manager{root: root, campaigns: make(map[string]*campaignStreams), st: st}
}

// OnCampaignsChanged diffs active against the known campaign set per §4.3.
func (m *Manager) OnCampaignsChanged(active map[string]ActiveCampaign) *cos.Errs {
	errs := &cos.Errs{}
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, cs := range m.campaigns {
		if _, keep := active[name]; !keep {
			m.removeCampaignLocked(name, cs)
		}
	}

	for name, ac := range active {
		if !ac.Persist || len(ac.Partitions) == 0 {
			if cs, ok := m.campaigns[name]; ok {
				m.removeCampaignLocked(name, cs)
			}
			continue
		}
		m.reconcileCampaignLocked(name, ac, errs)
	}

	m.pruneAllLocked()
	m.cleanupForeignLocked(active)
	return errs
}

func (m *Manager) removeCampaignLocked(name string, cs *campaignStreams) {
	for _, s := range cs.partitions {
		s.close()
	}
	delete(m.campaigns, name)
	dir := filepath.Join(m.root, name)
	if err := os.RemoveAll(dir); err != nil {
		nlog.Errorf("store: remove campaign dir %q: %v", dir, err)
	}
}

func (m *Manager) reconcileCampaignLocked(name string, ac ActiveCampaign, errs *cos.Errs) {
	cs, exists := m.campaigns[name]
	if !exists {
		cs = &campaignStreams{partitions: make(map[cos.PartitionId]*stream), locations: make(map[string]cos.PartitionId)}
		m.campaigns[name] = cs
	}

	wanted := make(map[cos.PartitionId]PartitionConfig, len(ac.Partitions))
	seenLocations := make(map[string]cos.PartitionId, len(ac.Partitions))
	for _, p := range ac.Partitions {
		if p.StorageLocation == "" || p.StorageLocation == "." || p.StorageLocation == ".." {
			errs.Add(&cos.ErrInvalidData{Reason: "campaign " + name + ": partition storage location \"" + p.StorageLocation + "\" is reserved"})
			continue
		}
		if other, dup := seenLocations[p.StorageLocation]; dup && other != p.Id {
			errs.Add(&cos.ErrInvalidData{Reason: "campaign " + name + ": partitions " + other.String() + " and " + p.Id.String() + " share storage location " + p.StorageLocation})
			continue
		}
		seenLocations[p.StorageLocation] = p.Id
		wanted[p.Id] = p
	}

	for id, s := range cs.partitions {
		if _, keep := wanted[id]; !keep {
			s.close()
			dir := filepath.Join(m.root, name, s.cfg.StorageLocation)
			if err := os.RemoveAll(dir); err != nil {
				nlog.Errorf("store: remove partition dir %q: %v", dir, err)
			}
			delete(cs.partitions, id)
		}
	}
	cs.locations = seenLocations

	for id, cfg := range wanted {
		if _, exists := cs.partitions[id]; exists {
			continue
		}
		dir := filepath.Join(m.root, name, cfg.StorageLocation)
		s, err := openStream(dir, cfg)
		if err != nil {
			errs.Add(err)
			continue
		}
		cs.partitions[id] = s
	}
}

func (m *Manager) pruneAllLocked() {
	now := time.Now()
	for name, cs := range m.campaigns {
		for id, s := range cs.partitions {
			if n := s.pruneByTTL(now); n > 0 && m.st != nil {
				m.st.PrunedBytes.WithLabelValues(name, id.String()).Add(float64(n))
			}
		}
	}
}

// cleanupForeignLocked removes *.log and the kv-store filename under any
// top-level directory at <root>/<*> that isn't a known, active campaign
// (and isn't the persistence workspace), per §4.3 "Cleanup of foreign
// files". No other files are touched.
func (m *Manager) cleanupForeignLocked(active map[string]ActiveCampaign) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == persistencyDirName {
			continue
		}
		if _, known := active[e.Name()]; known {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		cleanForeignDir(dir)
	}
}

func cleanForeignDir(dir string) {
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Name() == kvFileName || filepath.Ext(d.Name()) == ".log" {
			if rmErr := os.Remove(path); rmErr != nil {
				nlog.Errorf("store: cleanup foreign file %q: %v", path, rmErr)
			}
		}
		return nil
	})
	removeEmptyDirs(dir)
}

// removeEmptyDirs removes every empty directory under dir, deepest first,
// and then dir itself if it is left empty.
func removeEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			removeEmptyDirs(filepath.Join(dir, e.Name()))
		}
	}
	entries, err = os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}

// Append appends one record. See §4.3. The campaign lock is held across
// both the stream lookup and the write so a campaign removal (which closes
// the stream and removes its directory) can never race an in-flight
// append, mirroring the original StreamManager::appendToStreams holding
// its campaign mutex for the whole call.
func (m *Manager) Append(d DataToPersist) error {
	if d.NumSignals == 0 {
		return &cos.ErrEmptyData{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(d.Campaign, d.Partition)
	if err != nil {
		return err
	}
	if err := s.append(d); err != nil {
		if m.st != nil {
			m.st.IOErrors.Inc()
		}
		return err
	}
	if m.st != nil {
		m.st.Appended.WithLabelValues(d.Campaign).Inc()
	}
	return nil
}

// Read opens the partition's iterator at its current cursor. See §4.3.
func (m *Manager) Read(campaign string, partition cos.PartitionId) (Record, CheckpointFunc, error) {
	s, err := m.lookup(campaign, partition)
	if err != nil {
		return Record{}, nil, err
	}
	return s.read()
}

// lookup resolves a partition's stream under its own lock acquisition. Read
// uses this: the lock only needs to protect the map lookup, and is released
// before the I/O that follows, per the original's separate read path.
func (m *Manager) lookup(campaign string, partition cos.PartitionId) (*stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(campaign, partition)
}

// lookupLocked is lookup's body for callers that already hold m.mu, so the
// lock can span the lookup and the subsequent stream operation as one
// critical section (see Append).
func (m *Manager) lookupLocked(campaign string, partition cos.PartitionId) (*stream, error) {
	cs, ok := m.campaigns[campaign]
	if !ok {
		return nil, &cos.ErrStreamNotFound{Campaign: campaign, Partition: uint32(partition)}
	}
	s, ok := cs.partitions[partition]
	if !ok {
		return nil, &cos.ErrStreamNotFound{Campaign: campaign, Partition: uint32(partition)}
	}
	return s, nil
}

func (m *Manager) HasCampaign(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.campaigns[name]
	return ok
}

func (m *Manager) PartitionIds(name string) []cos.PartitionId {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.campaigns[name]
	if !ok {
		return nil
	}
	ids := make([]cos.PartitionId, 0, len(cs.partitions))
	for id := range cs.partitions {
		ids = append(ids, id)
	}
	return ids
}
