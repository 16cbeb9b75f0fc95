package transaction

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Xid identifies one branch of a global transaction.
//
// Global is "<server-id>.<process-random>.<sequence>" and is the key under
// which outcomes are recorded in the durable log. Branch distinguishes the
// resource managers taking part in the same global transaction.
type Xid struct {
	Global string
	Branch uint32
}

// IsZero reports whether x is the zero Xid.
func (x Xid) IsZero() bool {
	return x.Global == ""
}

// WithBranch returns a copy of x on the given branch.
func (x Xid) WithBranch(branch uint32) Xid {
	return Xid{Global: x.Global, Branch: branch}
}

// String renders the xid as "<global>:<branch>", the form drivers store
// (e.g. as a PostgreSQL prepared-transaction gid).
func (x Xid) String() string {
	return x.Global + ":" + strconv.FormatUint(uint64(x.Branch), 10)
}

// ParseXid parses the String form of an Xid.
func ParseXid(s string) (Xid, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Xid{}, fmt.Errorf("malformed xid %q", s)
	}
	branch, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid branch %q: %w", s, err)
	}
	return Xid{Global: s[:i], Branch: uint32(branch)}, nil
}

// idGenerator produces process-unique global ids.
type idGenerator struct {
	serverID string
	nonce    string
	seq      atomic.Uint64
}

func newIDGenerator(serverID string) *idGenerator {
	u := uuid.New()
	return &idGenerator{
		serverID: serverID,
		// eight hex digits are enough to separate restarts of the same server id
		nonce: strings.ReplaceAll(u.String(), "-", "")[:8],
	}
}

func (g *idGenerator) next() Xid {
	n := g.seq.Add(1)
	return Xid{Global: g.serverID + "." + g.nonce + "." + strconv.FormatUint(n, 10)}
}
