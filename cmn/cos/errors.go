package cos

import (
	"errors"
	"fmt"
	"sync"
	ratomic "sync/atomic"
)

// Error kinds surfaced by the core, per the error-handling design: every
// operation that can fail returns one of these (or wraps one with
// github.com/pkg/errors for an I/O cause chain) rather than an opaque error.
type (
	ErrUnknownSignal struct{ Signal uint32 }
	ErrDeleting      struct{ What string }
	ErrEmptyData     struct{}
	ErrWrongInput    struct{ Reason string }
	ErrTooBig        struct {
		Len, Max int
	}
	ErrNoCapacity     struct{ Signal uint32 }
	ErrMemoryFull     struct{}
	ErrInvalidData    struct{ Reason string }
	ErrStreamNotFound struct {
		Campaign  string
		Partition uint32
	}
	ErrNotConfigured struct{ What string }
	ErrUnknownHandle struct {
		Signal uint32
		Handle uint64
	}
)

func (e *ErrUnknownSignal) Error() string  { return fmt.Sprintf("unknown signal %d", e.Signal) }
func (e *ErrDeleting) Error() string       { return e.What + " is being torn down" }
func (*ErrEmptyData) Error() string        { return "empty data" }
func (e *ErrWrongInput) Error() string     { return "wrong input data: " + e.Reason }
func (e *ErrTooBig) Error() string {
	return fmt.Sprintf("payload too big: %d bytes exceeds limit of %d", e.Len, e.Max)
}
func (e *ErrNoCapacity) Error() string { return fmt.Sprintf("no capacity for signal %d", e.Signal) }
func (*ErrMemoryFull) Error() string   { return "memory full" }
func (e *ErrInvalidData) Error() string {
	return "invalid data: " + e.Reason
}
func (e *ErrStreamNotFound) Error() string {
	return fmt.Sprintf("stream not found: campaign=%s partition=%d", e.Campaign, e.Partition)
}
func (e *ErrNotConfigured) Error() string { return e.What + " is not configured" }
func (e *ErrUnknownHandle) Error() string {
	return fmt.Sprintf("unknown handle %d for signal %d", e.Handle, e.Signal)
}

// EndOfStream is a sentinel, not a failure: it means "no more records right now".
var ErrEndOfStream = errors.New("end of stream")

// ErrTransmissionError marks a delivery that exhausted its retry budget; the
// caller (S3Sender) pairs it with the returned streambuf so higher layers
// can keep the data rather than drop it.
var ErrTransmissionError = errors.New("transmission error")

func IsErrNoCapacity(err error) bool     { var e *ErrNoCapacity; return errors.As(err, &e) }
func IsErrUnknownSignal(err error) bool  { var e *ErrUnknownSignal; return errors.As(err, &e) }
func IsErrStreamNotFound(err error) bool { var e *ErrStreamNotFound; return errors.As(err, &e) }
func IsErrDeleting(err error) bool       { var e *ErrDeleting; return errors.As(err, &e) }

// Errs aggregates up to maxErrs distinct errors, deduplicated by message.
// Mirrors the teacher's cmn/cos.Errs: used where many independent failures
// (e.g. per-partition TTL prune errors) should be reported together without
// aborting the whole operation.
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) Error() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return ""
	}
	err := e.errs[0]
	if n := len(e.errs); n > 1 {
		return fmt.Sprintf("%v (and %d more error%s)", err, n-1, Plural(n-1))
	}
	return err.Error()
}

// JoinErr returns the aggregated error count and a joined error, or (0, nil)
// if nothing was added.
func (e *Errs) JoinErr() (cnt int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cnt = len(e.errs); cnt == 0 {
		return 0, nil
	}
	return cnt, errors.Join(e.errs...)
}
