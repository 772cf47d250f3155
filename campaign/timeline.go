package campaign

import (
	"container/heap"
	"time"

	"github.com/fleetedge/agent/cmn/cos"
)

type eventKind int

const (
	eventEnable eventKind = iota
	eventExpire
	eventCheckin
)

// event is one timeline entry: "enable X", "expire X", or the periodic
// "checkin", ordered by (monotonic_time, campaign_id) per §4.2 "Timeline".
type event struct {
	at   time.Duration
	arn  cos.CampaignId
	kind eventKind
}

type eventHeap []event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].arn < h[j].arn
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// timeline is a min-heap of pending events. Not safe for concurrent use;
// callers hold Manager's mutex.
type timeline struct {
	h eventHeap
}

func newTimeline() *timeline {
	t := &timeline{}
	heap.Init(&t.h)
	return t
}

func (t *timeline) push(e event) { heap.Push(&t.h, e) }

// peek returns the next event's time without removing it.
func (t *timeline) peek() (time.Duration, bool) {
	if len(t.h) == 0 {
		return 0, false
	}
	return t.h[0].at, true
}

// drainDue pops and returns every event with at <= now, in heap order.
func (t *timeline) drainDue(now time.Duration) []event {
	var due []event
	for len(t.h) > 0 && t.h[0].at <= now {
		due = append(due, heap.Pop(&t.h).(event))
	}
	return due
}

// removeCampaign drops every pending event for arn (used when a campaign is
// replaced or explicitly removed, so a stale enable/expire doesn't fire
// against a rebuilt campaign under the same name).
func (t *timeline) removeCampaign(arn cos.CampaignId) {
	kept := t.h[:0]
	for _, e := range t.h {
		if e.arn != arn {
			kept = append(kept, e)
		}
	}
	t.h = kept
	heap.Init(&t.h)
}
