package xalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/joao-brasil/txpool/internal/metrics"
)

// Keys are "xa/<gid>/<seq>" with a big-endian sequence so a prefix scan
// returns a gid's records in append order; the commit marker
// "xc/<gid>" makes IsCommitted a point lookup.
const (
	recordPrefix = "xa/"
	commitPrefix = "xc/"
)

// PebbleLog stores records in a local pebble database with synced writes.
type PebbleLog struct {
	mu     sync.Mutex
	db     *pebble.DB
	seq    uint64
	closed bool
}

// OpenPebble opens (or creates) a log at dir.
func OpenPebble(dir string) (*PebbleLog, error) {
	opts := &pebble.Options{
		MemTableSize: 4 << 20,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open xa log %s: %w", dir, err)
	}
	return &PebbleLog{db: db, seq: uint64(time.Now().UnixNano())}, nil
}

func (l *PebbleLog) Append(_ context.Context, gid string, outcome Outcome) error {
	if err := checkAppend(gid, outcome); err != nil {
		return err
	}
	if strings.ContainsRune(gid, '/') {
		return fmt.Errorf("xalog: gid %q must not contain '/'", gid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	l.seq++
	now := time.Now()

	value := make([]byte, 8+len(outcome))
	binary.BigEndian.PutUint64(value, uint64(now.UnixNano()))
	copy(value[8:], outcome)

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(gid, l.seq), value, nil); err != nil {
		return fmt.Errorf("xa log batch: %w", err)
	}
	if outcome == OutcomeCommit {
		if err := b.Set([]byte(commitPrefix+gid), value[:8], nil); err != nil {
			return fmt.Errorf("xa log batch: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		metrics.XALogOperations.WithLabelValues("append", "error").Inc()
		return fmt.Errorf("write xa log record: %w", err)
	}
	metrics.XALogOperations.WithLabelValues("append", "ok").Inc()
	return nil
}

func (l *PebbleLog) IsCommitted(_ context.Context, gid string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}

	_, closer, err := l.db.Get([]byte(commitPrefix + gid))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read xa log: %w", err)
	}
	closer.Close()
	return true, nil
}

func (l *PebbleLog) Records(_ context.Context, gid string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	prefix := []byte(recordPrefix + gid + "/")
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan xa log: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) < 8 {
			return nil, fmt.Errorf("xa log record %q truncated", iter.Key())
		}
		out = append(out, Record{
			Gid:     gid,
			Outcome: Outcome(v[8:]),
			Time:    time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))),
		})
	}
	return out, iter.Error()
}

func (l *PebbleLog) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *PebbleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func recordKey(gid string, seq uint64) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(gid)+1+8)
	key = append(key, recordPrefix...)
	key = append(key, gid...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seq)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
