package transaction_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/txpool/internal/transaction"
	"github.com/joao-brasil/txpool/internal/xalog"
)

// fakeResource is an XA participant that records every call it receives.
type fakeResource struct {
	rm string // resources with the same rm are the same resource manager

	mu           sync.Mutex
	calls        []string
	vote         transaction.Vote
	prepareErr   error
	commitErr    error
	rollbackErr  error
	startErr     error
	onePhaseOnly bool
	inDoubt      []transaction.Xid
	onCommit     func(xid transaction.Xid)
}

func newFake(rm string) *fakeResource {
	return &fakeResource{rm: rm}
}

func (f *fakeResource) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeResource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func flagName(fl transaction.Flags) string {
	switch fl {
	case transaction.FlagJoin:
		return "join"
	case transaction.FlagResume:
		return "resume"
	case transaction.FlagSuccess:
		return "success"
	case transaction.FlagFail:
		return "fail"
	case transaction.FlagSuspend:
		return "suspend"
	default:
		return "none"
	}
}

func (f *fakeResource) Start(_ context.Context, _ transaction.Xid, fl transaction.Flags) error {
	f.record("start:%s", flagName(fl))
	return f.startErr
}

func (f *fakeResource) End(_ context.Context, _ transaction.Xid, fl transaction.Flags) error {
	f.record("end:%s", flagName(fl))
	return nil
}

func (f *fakeResource) Prepare(context.Context, transaction.Xid) (transaction.Vote, error) {
	f.record("prepare")
	return f.vote, f.prepareErr
}

func (f *fakeResource) Commit(_ context.Context, xid transaction.Xid, onePhase bool) error {
	if onePhase {
		f.record("commit:1p")
	} else {
		f.record("commit:2p")
	}
	if f.onCommit != nil {
		f.onCommit(xid)
	}
	return f.commitErr
}

func (f *fakeResource) Rollback(context.Context, transaction.Xid) error {
	f.record("rollback")
	return f.rollbackErr
}

func (f *fakeResource) Forget(_ context.Context, xid transaction.Xid) error {
	f.record("forget %s", xid.Global)
	return nil
}

func (f *fakeResource) Recover(context.Context) ([]transaction.Xid, error) {
	f.record("recover")
	return f.inDoubt, nil
}

func (f *fakeResource) IsSameRM(other transaction.Resource) bool {
	o, ok := other.(*fakeResource)
	return ok && o.rm == f.rm
}

func (f *fakeResource) OnePhaseOnly() bool { return f.onePhaseOnly }

// recorderSync records the completion callbacks it receives.
type recorderSync struct {
	beforeErr error
	before    int
	after     []transaction.Status
}

func (s *recorderSync) BeforeCompletion(context.Context) error {
	s.before++
	return s.beforeErr
}

func (s *recorderSync) AfterCompletion(_ context.Context, st transaction.Status) {
	s.after = append(s.after, st)
}

func newManager(t *testing.T) (*transaction.Manager, *xalog.MemoryLog, context.Context) {
	t.Helper()
	log := xalog.NewMemory()
	tm := transaction.NewManager(transaction.Options{ServerID: "node1", Log: log})
	return tm, log, tm.Bind(context.Background())
}

func begin(t *testing.T, tm *transaction.Manager, ctx context.Context) *transaction.Transaction {
	t.Helper()
	tx, err := tm.Begin(ctx)
	require.NoError(t, err)
	return tx
}
