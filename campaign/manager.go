package campaign

import (
	"reflect"
	"sync"
	"time"

	"github.com/fleetedge/agent/clock"
	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/decoder"
	"github.com/fleetedge/agent/inspect"
	"github.com/teris-io/shortid"
)

// ActiveCampaign is the subset of a built campaign that store.Manager needs
// from on_campaigns_changed: whether it wants store-and-forward, and under
// what partitions.
type ActiveCampaign struct {
	Name       string
	Persist    bool
	Partitions []PartitionSpec
}

// Manager is the CampaignManager: it owns the decoder description, the
// known campaign set, the enable/expire timeline, and publishes rebuilt
// dictionaries/checkin lists to whatever the caller wires in via the On*
// setters. One mutex guards everything, matching membuf's "buffers are
// short, one lock is enough" reasoning — here campaign counts are small
// and rebuilds infrequent, so there's no motivation for finer locking.
type Manager struct {
	mu     sync.Mutex
	clk    clock.Clock
	waiter clock.Waiter

	decoderDesc *decoder.RawDescription
	campaigns   map[cos.CampaignId]*Campaign
	tl          *timeline

	checkinInterval time.Duration
	sid             *shortid.Shortid

	onRebuild       func(*decoder.Dictionary)
	onCheckin       func([]CheckinItem)
	onActiveChanged func(map[string]ActiveCampaign)
}

func NewManager(clk clock.Clock, waiter clock.Waiter, checkinInterval time.Duration) *Manager {
	sid, err := shortid.New(1, shortid.DefaultABC, 0xDEEA)
	if err != nil {
		sid = nil // correlation ids degrade to empty string; never fatal
	}
	return &Manager{
		clk:             clk,
		waiter:          waiter,
		campaigns:       make(map[cos.CampaignId]*Campaign),
		tl:              newTimeline(),
		checkinInterval: checkinInterval,
		sid:             sid,
	}
}

func (m *Manager) SetOnRebuild(fn func(*decoder.Dictionary))             { m.onRebuild = fn }
func (m *Manager) SetOnCheckin(fn func([]CheckinItem))                   { m.onCheckin = fn }
func (m *Manager) SetOnActiveChanged(fn func(map[string]ActiveCampaign)) { m.onActiveChanged = fn }

func (m *Manager) correlationId() string {
	if m.sid == nil {
		return ""
	}
	id, err := m.sid.Generate()
	if err != nil {
		return ""
	}
	return id
}

// SetDecoderDescription installs a new active decoder description and
// republishes the dictionary against the currently enabled campaign set.
func (m *Manager) SetDecoderDescription(desc *decoder.RawDescription) {
	m.mu.Lock()
	m.decoderDesc = desc
	dict := extractDictionary(m.decoderDesc, m.enabledLocked())
	m.mu.Unlock()
	if m.onRebuild != nil {
		m.onRebuild(dict)
	}
}

func (m *Manager) enabledLocked() []*Campaign {
	var out []*Campaign
	for _, c := range m.campaigns {
		if c.State == StateEnabled {
			out = append(out, c)
		}
	}
	return out
}

// SetCampaigns installs a new campaign list, diffing it against the
// currently known set per §4.2's lifecycle and §8's idempotence law:
// reinstalling the identical set must not rebuild or touch streams.
func (m *Manager) SetCampaigns(raws []RawCampaign) *cos.Errs {
	errs := &cos.Errs{}
	m.mu.Lock()

	seen := make(map[cos.CampaignId]struct{}, len(raws))
	activeChanged := false

	for _, raw := range raws {
		seen[raw.Arn] = struct{}{}
		if existing, ok := m.campaigns[raw.Arn]; ok && existing.Raw.SyncId == raw.SyncId && reflect.DeepEqual(existing.Raw, raw) {
			continue // identical re-installation: no-op
		}
		m.tl.removeCampaign(raw.Arn)
		cid := m.correlationId()
		c, err := m.build(raw)
		if err != nil {
			nlog.Warningf("campaign[%s] %s: build failed: %v", cid, raw.Arn, err)
			errs.Add(err)
			c = &Campaign{Raw: raw, Name: raw.Arn.Name(), State: StateDropped, DropReason: err.Error()}
		} else {
			m.scheduleLocked(c)
		}
		if c.State == StateExpired {
			// Already past expiry at build time: install then immediately
			// retire, matching "now >= expiry_time ⇒ removed" (§8 invariant
			// 5) without a campaign ever visibly entering Enabled.
			delete(m.campaigns, raw.Arn)
		} else {
			m.campaigns[raw.Arn] = c
		}
		activeChanged = true
	}

	for arn := range m.campaigns {
		if _, keep := seen[arn]; !keep {
			m.tl.removeCampaign(arn)
			delete(m.campaigns, arn)
			activeChanged = true
		}
	}

	var dict *decoder.Dictionary
	if activeChanged {
		dict = extractDictionary(m.decoderDesc, m.enabledLocked())
	}
	active := m.activeLocked()
	m.mu.Unlock()

	if activeChanged {
		// A new or rescheduled campaign may have pushed a timeline event
		// earlier than whatever Run is currently blocked on; wake it so it
		// recomputes its wait target against the fresh timeline instead of
		// sleeping until the stale target (or the no-events fallback).
		m.waiter.Notify()
		if m.onRebuild != nil {
			m.onRebuild(dict)
		}
		if m.onActiveChanged != nil {
			m.onActiveChanged(active)
		}
	}
	return errs
}

func (m *Manager) activeLocked() map[string]ActiveCampaign {
	out := make(map[string]ActiveCampaign, len(m.campaigns))
	for _, c := range m.campaigns {
		if c.State == StateDropped {
			continue
		}
		out[c.Name] = ActiveCampaign{Name: c.Name, Persist: c.Raw.Persist, Partitions: c.Raw.Partitions}
	}
	return out
}

// build compiles raw's expression tree and resolves its signal list into a
// Campaign. Build failures are local: they never touch other campaigns.
func (m *Manager) build(raw RawCampaign) (*Campaign, error) {
	var tree *inspect.Tree
	if raw.Expression != nil {
		t, err := inspect.Compile(raw.SyncId, raw.Expression)
		if err != nil {
			return nil, err
		}
		tree = t
	}

	ids := newIdTable()
	resolved := make([]ResolvedSignal, 0, len(raw.Signals))
	for _, sig := range raw.Signals {
		resolved = append(resolved, ResolvedSignal{
			InternalId:          ids.resolve(sig.Ref),
			Ref:                 sig.Ref,
			MinSamplingInterval: sig.MinSamplingInterval,
			Buffer:              sig.Buffer,
		})
	}

	for _, p := range raw.Partitions {
		if p.StorageLocation == "" || p.StorageLocation == "." || p.StorageLocation == ".." {
			return nil, &cos.ErrInvalidData{Reason: "partition storage location \"" + p.StorageLocation + "\" is reserved"}
		}
	}

	return &Campaign{
		Raw:     raw,
		Name:    raw.Arn.Name(),
		Tree:    tree,
		Signals: resolved,
		State:   StateReceived,
	}, nil
}

// scheduleLocked assigns c's initial state against the current clock and
// queues its next timeline event. Called with m.mu held.
func (m *Manager) scheduleLocked(c *Campaign) {
	now := m.clk.Now()
	switch {
	case !now.Before(c.Raw.ExpiryTime):
		c.State = StateExpired
	case now.Before(c.Raw.StartTime):
		c.State = StateIdle
		m.tl.push(event{at: m.monoAt(c.Raw.StartTime), arn: c.Raw.Arn, kind: eventEnable})
	default:
		c.State = StateEnabled
		m.tl.push(event{at: m.monoAt(c.Raw.ExpiryTime), arn: c.Raw.Arn, kind: eventExpire})
	}
}

// monoAt converts a wall-clock deadline into a monotonic-duration deadline
// relative to the clock's current reading. This is an approximation:
// campaign start/expiry times are cloud-authored wall-clock instants, and
// the timeline itself runs on Mono() per §9's steady-clock design note, so
// the offset is computed once at schedule time and not re-derived if the
// wall clock later steps.
func (m *Manager) monoAt(t time.Time) time.Duration {
	delta := t.Sub(m.clk.Now())
	if delta < 0 {
		delta = 0
	}
	return m.clk.Mono() + delta
}

// Run drives the timeline thread: it blocks on the waiter until the next
// enable/expire/checkin event (or stop is closed), processes every event
// whose time has arrived, republishes the dictionary if the enabled set
// changed, and loops. Intended to run in its own goroutine, the "one
// thread per long-lived component" model from §5.
func (m *Manager) Run(stop <-chan struct{}) {
	if m.checkinInterval > 0 {
		m.mu.Lock()
		m.tl.push(event{at: m.clk.Mono() + m.checkinInterval, kind: eventCheckin})
		m.mu.Unlock()
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		m.mu.Lock()
		target, ok := m.tl.peek()
		m.mu.Unlock()
		if !ok {
			// Nothing scheduled: wait for Notify (e.g. a new campaign was
			// just installed) or stop, re-checking rather than sleeping
			// forever against a clock that only fakes know how to wake.
			target = m.clk.Mono() + time.Hour
		}
		reached := m.waiter.WaitUntilMono(target, stop)
		select {
		case <-stop:
			return
		default:
		}
		if reached {
			m.processDue()
		}
	}
}

func (m *Manager) processDue() {
	m.mu.Lock()
	now := m.clk.Mono()
	due := m.tl.drainDue(now)
	activeChanged := false
	var checkinItems []CheckinItem

	for _, ev := range due {
		switch ev.kind {
		case eventEnable:
			if c, ok := m.campaigns[ev.arn]; ok && c.State == StateIdle {
				c.State = StateEnabled
				m.tl.push(event{at: m.monoAt(c.Raw.ExpiryTime), arn: c.Raw.Arn, kind: eventExpire})
				activeChanged = true
			}
		case eventExpire:
			if c, ok := m.campaigns[ev.arn]; ok {
				c.State = StateExpired
				delete(m.campaigns, ev.arn)
				activeChanged = true
			}
		case eventCheckin:
			checkinItems = m.checkinLocked()
			if m.checkinInterval > 0 {
				m.tl.push(event{at: now + m.checkinInterval, kind: eventCheckin})
			}
		}
	}

	var dict *decoder.Dictionary
	if activeChanged {
		dict = extractDictionary(m.decoderDesc, m.enabledLocked())
	}
	var active map[string]ActiveCampaign
	if activeChanged {
		active = m.activeLocked()
	}
	m.mu.Unlock()

	if activeChanged {
		if m.onRebuild != nil {
			m.onRebuild(dict)
		}
		if m.onActiveChanged != nil {
			m.onActiveChanged(active)
		}
	}
	if checkinItems != nil && m.onCheckin != nil {
		m.onCheckin(checkinItems)
	}
}

func (m *Manager) checkinLocked() []CheckinItem {
	items := make([]CheckinItem, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		items = append(items, CheckinItem{
			CampaignArn:   c.Raw.Arn,
			DecoderSyncId: c.Raw.DecoderSyncId,
			Status:        c.State,
		})
	}
	return items
}

// Campaign returns a snapshot of one known campaign, for introspection/tests.
func (m *Manager) Campaign(arn cos.CampaignId) (Campaign, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[arn]
	if !ok {
		return Campaign{}, false
	}
	return *c, true
}
