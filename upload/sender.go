package upload

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/cmn/stats"
)

type job struct {
	req      Request
	attempts int
	cancel   context.CancelFunc
}

// Sender is the S3Sender. One mutex serializes mutations to queued and
// ongoing; the Sender starts one goroutine per job (runUpload), which
// re-enters under the mutex to report a result, matching §4.4's
// "Concurrency" note that the sender must remain well-defined when
// callbacks race with shutdown.
type Sender struct {
	mu        sync.Mutex
	transport Transport
	sem       *semaphore.Weighted
	queued    []*Request
	ongoing   map[string]*job
	inflight  sync.WaitGroup
	stopped   bool
	st        *stats.UploadStats
}

func NewSender(transport Transport, maxSimultaneousUploads int64, st *stats.UploadStats) *Sender {
	if maxSimultaneousUploads < 1 {
		maxSimultaneousUploads = 1
	}
	return &Sender{
		transport: transport,
		sem:       semaphore.NewWeighted(maxSimultaneousUploads),
		ongoing:   make(map[string]*job),
		st:        st,
	}
}

// SendStream enqueues req, then attempts to start it. See §4.4.
func (s *Sender) SendStream(req Request) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		req.ResultCB(Result{ObjectKey: req.ObjectKey, Outcome: OutcomeTransmissionError})
		return
	}
	s.queued = append(s.queued, &req)
	if s.st != nil {
		s.st.QueueDepth.Set(float64(len(s.queued)))
	}
	s.dequeueLocked()
	s.mu.Unlock()
}

// dequeueLocked starts as many queued uploads as the semaphore allows.
// Called with s.mu held.
func (s *Sender) dequeueLocked() {
	for len(s.queued) > 0 {
		if !s.sem.TryAcquire(1) {
			return
		}
		req := s.queued[0]
		s.queued = s.queued[1:]
		if s.st != nil {
			s.st.QueueDepth.Set(float64(len(s.queued)))
		}
		j := &job{req: *req}
		s.ongoing[req.ObjectKey] = j
		if s.st != nil {
			s.st.OngoingCount.Set(float64(len(s.ongoing)))
		}
		s.inflight.Add(1)
		go s.runUpload(j)
	}
}

// runUpload performs one attempt. Build happens here, lazily, per §9's
// "Deferred stream materialization" design note.
func (s *Sender) runUpload(j *job) {
	defer s.inflight.Done()

	data, err := j.req.Build()
	if err != nil || data == nil {
		if s.st != nil {
			s.st.WrongInput.Inc()
		}
		s.finish(j, Result{ObjectKey: j.req.ObjectKey, Outcome: OutcomeWrongInputData})
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if j.req.Metadata.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.req.Metadata.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	j.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	uploadErr := s.transport.PutObject(ctx, j.req.Metadata, j.req.ObjectKey, data)
	s.onStatus(j, data, uploadErr, ctx)
}

// onStatus implements §4.4's status-callback state machine, adapted from
// an async TransferManager callback to this SDK's synchronous Upload call:
// a nil error is Completed, ctx.Err()==Canceled is Canceled/Aborted, any
// other error is Failed.
func (s *Sender) onStatus(j *job, data []byte, uploadErr error, ctx context.Context) {
	if uploadErr == nil {
		s.finish(j, Result{ObjectKey: j.req.ObjectKey, Outcome: OutcomeSuccess})
		if s.st != nil {
			s.st.Success.Inc()
		}
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		s.finish(j, Result{ObjectKey: j.req.ObjectKey, Outcome: OutcomeTransmissionError})
		return
	}

	j.attempts++
	if j.attempts < maxAttempts {
		if s.st != nil {
			s.st.Retried.Inc()
		}
		s.inflight.Add(1)
		go s.runUpload(j)
		return
	}

	nlog.Warningf("upload: %q failed after %d attempts: %v", j.req.ObjectKey, j.attempts, uploadErr)
	if s.st != nil {
		s.st.Failed.Inc()
	}
	s.finish(j, Result{ObjectKey: j.req.ObjectKey, Outcome: OutcomeTransmissionError, Streambuf: data})
}

func (s *Sender) finish(j *job, res Result) {
	s.mu.Lock()
	delete(s.ongoing, j.req.ObjectKey)
	if s.st != nil {
		s.st.OngoingCount.Set(float64(len(s.ongoing)))
	}
	s.sem.Release(1)
	s.dequeueLocked()
	s.mu.Unlock()
	j.req.ResultCB(res)
}

// Disconnect drops all queued uploads, cancels every ongoing one, and
// blocks until the transport confirms every in-flight goroutine has
// finished. Safe to call concurrently with racing status callbacks: a
// canceled job still finishes through onStatus/finish normally.
func (s *Sender) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	s.queued = nil
	for _, j := range s.ongoing {
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.mu.Unlock()
	s.inflight.Wait()
}

// OngoingCount reports the number of uploads currently in flight, for tests
// and introspection.
func (s *Sender) OngoingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ongoing)
}
