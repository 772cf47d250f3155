package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/nlog"
)

// checkpoint is the kv-store's single value: the byte offset into 0.log of
// the oldest record not yet acknowledged by a checkpoint closure. Using the
// on-disk byte offset (rather than a separately-tracked counter) means the
// cursor survives a restart with no extra bookkeeping: it is already a
// stable, monotonically increasing position in an append-only file.
type checkpoint struct {
	Version int   `json:"version"`
	Offset  int64 `json:"offset"`
}

// stream is one partition's append-only log plus its checkpoint. append,
// pruneByTTL and close are called with the owning Manager's campaign lock
// held; read and the checkpoint callback are called without it. stream
// serializes its own file/kv access so append and read never interleave a
// partial write.
type stream struct {
	dir     string
	logPath string
	kvPath  string
	cfg     PartitionConfig

	mu     sync.Mutex
	log    *os.File
	kv     *buntdb.DB
	offset int64 // next record to hand out on Read
}

// pruneTmpSuffix names the staging file pruneByTTL writes the surviving
// tail to before renaming it over the log. A leftover file with this
// suffix after a crash mid-prune is stale and safe to discard: the
// original log it would have replaced is still intact under logPath.
const pruneTmpSuffix = ".tmp"

func openStream(dir string, cfg PartitionConfig) (*stream, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "store: mkdir %q", dir)
	}
	logPath := filepath.Join(dir, logFileName)
	os.Remove(logPath + pruneTmpSuffix) // stale staging file from a prune interrupted by a crash
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %q", logPath)
	}
	kvPath := filepath.Join(dir, kvFileName)
	db, err := buntdb.Open(kvPath)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "store: open kv %q", kvPath)
	}
	s := &stream{dir: dir, logPath: logPath, kvPath: kvPath, cfg: cfg, log: f, kv: db}
	s.offset = s.loadCheckpointLocked()
	return s, nil
}

// loadCheckpointLocked reads the persisted cursor. A missing key, a corrupt
// database, or a schema-version mismatch are all treated as "no checkpoint"
// per §4.3's failure semantics — iteration restarts at offset 0.
func (s *stream) loadCheckpointLocked() int64 {
	var cp checkpoint
	err := s.kv.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(kvKey)
		if err != nil {
			return err
		}
		return jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(val, &cp)
	})
	if err != nil {
		return 0
	}
	if cp.Version != kvSchemaVersion {
		nlog.Warningf("store: %s: checkpoint schema version %d != %d, discarding", s.kvPath, cp.Version, kvSchemaVersion)
		return 0
	}
	return cp.Offset
}

func (s *stream) saveCheckpointLocked(offset int64) error {
	buf, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(checkpoint{Version: kvSchemaVersion, Offset: offset})
	if err != nil {
		return errors.Wrap(err, "store: marshal checkpoint")
	}
	return s.kv.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(kvKey, buf, nil)
		return err
	})
}

// append writes one framed record: [u32 total_len][u64 num_signals][u64
// trigger_time_ms][payload]. total_len covers everything after itself, so
// a reader knows exactly how many bytes to consume without scanning.
func (s *stream) append(d DataToPersist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := make([]byte, 16+len(d.Payload))
	binary.BigEndian.PutUint64(body[0:8], d.NumSignals)
	binary.BigEndian.PutUint64(body[8:16], uint64(d.TriggerTime.UnixMilli()))
	copy(body[16:], d.Payload)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	if _, err := s.log.Write(lenPrefix[:]); err != nil {
		return errors.Wrapf(err, "store: append length prefix to %q", s.logPath)
	}
	if _, err := s.log.Write(body); err != nil {
		return errors.Wrapf(err, "store: append body to %q", s.logPath)
	}
	return nil
}

// read returns the record at the current cursor without advancing it, so a
// caller that never invokes the returned CheckpointFunc sees the same
// record again on the next Read (§8's round-trip law).
func (s *stream) read() (Record, CheckpointFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.log.Stat()
	if err != nil {
		return Record{}, nil, errors.Wrapf(err, "store: stat %q", s.logPath)
	}
	if s.offset >= info.Size() {
		return Record{}, nil, cos.ErrEndOfStream
	}

	var lenPrefix [4]byte
	if _, err := s.log.ReadAt(lenPrefix[:], s.offset); err != nil {
		return Record{}, nil, errors.Wrapf(err, "store: read length prefix at %d in %q", s.offset, s.logPath)
	}
	bodyLen := int64(binary.BigEndian.Uint32(lenPrefix[:]))
	body := make([]byte, bodyLen)
	if _, err := s.log.ReadAt(body, s.offset+4); err != nil {
		return Record{}, nil, errors.Wrapf(err, "store: read body at %d in %q", s.offset, s.logPath)
	}

	rec := Record{
		NumSignals:  binary.BigEndian.Uint64(body[0:8]),
		TriggerTime: time.UnixMilli(int64(binary.BigEndian.Uint64(body[8:16]))),
		Payload:     append([]byte(nil), body[16:]...),
	}
	nextOffset := s.offset + 4 + bodyLen
	advanced := false
	cpFn := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if advanced {
			return nil
		}
		advanced = true
		if err := s.saveCheckpointLocked(nextOffset); err != nil {
			return err
		}
		s.offset = nextOffset
		return nil
	}
	return rec, cpFn, nil
}

// pruneByTTL deletes records older than cfg.MinTTL by writing the surviving
// tail to a staging file and renaming it over the log, reporting the byte
// count freed. The log itself is never truncated or rewritten in place: a
// crash before the rename leaves the original log untouched, and a crash
// after it leaves the fully-written replacement in place under logPath, so
// recovery never finds a truncated-but-not-yet-rewritten file (§5 "Shared-
// resource policy"). Best-effort: an I/O failure here is logged, not
// propagated, per §4.3 "Pruning is best-effort and does not block the
// caller from appending."
func (s *stream) pruneByTTL(now time.Time) (prunedBytes int64) {
	if s.cfg.MinTTL <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.MinTTL).UnixMilli()
	info, err := s.log.Stat()
	if err != nil {
		nlog.Warningf("store: prune: stat %q: %v", s.logPath, err)
		return 0
	}
	var pos int64
	for pos < info.Size() {
		var lenPrefix [4]byte
		if _, err := s.log.ReadAt(lenPrefix[:], pos); err != nil {
			break
		}
		bodyLen := int64(binary.BigEndian.Uint32(lenPrefix[:]))
		var tsBuf [8]byte
		if _, err := s.log.ReadAt(tsBuf[:], pos+4+8); err != nil {
			break
		}
		ts := int64(binary.BigEndian.Uint64(tsBuf[:]))
		if ts >= cutoff {
			break
		}
		pos += 4 + bodyLen
	}
	if pos <= 0 {
		return 0
	}
	remaining := info.Size() - pos
	buf := make([]byte, remaining)
	if _, err := s.log.ReadAt(buf, pos); err != nil && remaining > 0 {
		nlog.Warningf("store: prune: read tail of %q: %v", s.logPath, err)
		return 0
	}

	tmpPath := s.logPath + pruneTmpSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		nlog.Warningf("store: prune: create staging file %q: %v", tmpPath, err)
		return 0
	}
	if _, err := tmp.Write(buf); err != nil {
		nlog.Warningf("store: prune: write staging file %q: %v", tmpPath, err)
		tmp.Close()
		os.Remove(tmpPath)
		return 0
	}
	if err := tmp.Sync(); err != nil {
		nlog.Warningf("store: prune: sync staging file %q: %v", tmpPath, err)
		tmp.Close()
		os.Remove(tmpPath)
		return 0
	}
	if err := tmp.Close(); err != nil {
		nlog.Warningf("store: prune: close staging file %q: %v", tmpPath, err)
		os.Remove(tmpPath)
		return 0
	}
	if err := os.Rename(tmpPath, s.logPath); err != nil {
		nlog.Warningf("store: prune: rename %q to %q: %v", tmpPath, s.logPath, err)
		os.Remove(tmpPath)
		return 0
	}

	// s.log's descriptor still refers to the unlinked pre-rename inode;
	// reopen against the replacement so append/read keep working.
	if err := s.log.Close(); err != nil {
		nlog.Warningf("store: prune: close old log handle for %q: %v", s.logPath, err)
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		nlog.Warningf("store: prune: reopen %q: %v", s.logPath, err)
		return 0
	}
	s.log = f

	if s.offset >= pos {
		s.offset -= pos
	} else {
		s.offset = 0
	}
	if err := s.saveCheckpointLocked(s.offset); err != nil {
		nlog.Warningf("store: prune: save checkpoint for %q: %v", s.logPath, err)
	}
	return pos
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Close()
	s.kv.Close()
}
