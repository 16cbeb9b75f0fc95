package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/transaction"
)

// Handle is what callers hold. Inside a transaction several handles may
// point at the same item; once the transaction completes every handle is
// back on a connection of its own.
type Handle struct {
	pool  *Pool
	creds driver.Credentials
	info  driver.Info
	stack string

	mu      sync.Mutex
	own     *ManagedItem // item allocated for this handle, nil when sharing
	current *ManagedItem // item in use, own or shared
	closed  bool
	untrack func()
}

// Conn returns the physical connection behind the handle. A handle that
// lost its shared connection when the transaction ended gets a new one.
func (h *Handle) Conn(ctx context.Context) (driver.Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &Error{Pool: h.pool.name, Kind: KindConnectionInvalid}
	}
	cur := h.current
	h.mu.Unlock()

	if cur != nil {
		if cur.State() == ItemDestroyed {
			return nil, &Error{Pool: h.pool.name, Kind: KindConnectionInvalid}
		}
		return cur.conn, nil
	}
	if err := h.pool.bind(ctx, h); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current.conn, nil
}

// ItemID identifies the item the handle currently uses, 0 when none.
func (h *Handle) ItemID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return 0
	}
	return h.current.id
}

// Shared reports whether the handle is borrowing another handle's item.
func (h *Handle) Shared() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil && h.current != h.own
}

// AllocationStack returns where the handle was allocated, when the pool
// records it.
func (h *Handle) AllocationStack() string { return h.stack }

// ReportError flags the connection as broken so it is not reused.
func (h *Handle) ReportError() {
	h.mu.Lock()
	cur := h.current
	h.mu.Unlock()
	if cur != nil {
		cur.ReportError()
	}
}

// Close gives the handle up. Its item returns to the pool once no other
// handle and no transaction use it. Closing twice is harmless.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cur := h.current
	h.current, h.own = nil, nil
	untrack := h.untrack
	h.mu.Unlock()

	if untrack != nil {
		untrack()
	}
	if cur != nil && cur.detach(h) {
		h.pool.release(cur)
	}
	return nil
}

// associate points the handle at it and enlists it in tx. On enlistment
// failure the handle is left without an item and it goes back to the pool.
func (h *Handle) associate(ctx context.Context, it *ManagedItem, tx *transaction.Transaction) error {
	h.mu.Lock()
	prev := h.current
	h.current = it
	h.mu.Unlock()
	if prev != nil && prev != it && prev.detach(h) {
		h.pool.release(prev)
	}

	it.attach(h)
	if tx == nil || !it.transactional() {
		return nil
	}
	if err := it.enlist(ctx, tx); err != nil {
		h.mu.Lock()
		h.current = nil
		if h.own == it {
			h.own = nil
		}
		h.mu.Unlock()
		if it.detach(h) {
			h.pool.release(it)
		}
		return err
	}
	return nil
}

// adopt makes it the handle's own item when its owner went away during
// the transaction.
func (h *Handle) adopt(it *ManagedItem) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.current != it {
		return false
	}
	h.own = it
	return true
}

func (h *Handle) owns(it *ManagedItem) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.own == it
}

// transactionDone moves a handle that was sharing it onto its own item.
func (h *Handle) transactionDone(ctx context.Context, it *ManagedItem) {
	h.mu.Lock()
	if h.closed || h.current != it || h.own == it {
		h.mu.Unlock()
		return
	}
	own := h.own
	h.current = own
	h.mu.Unlock()

	it.detach(h)
	if own != nil {
		own.attach(h)
		return
	}

	// Try for a connection without blocking the completing goroutine;
	// otherwise the next Conn call allocates one.
	item, err := h.pool.allocateItem(ctx, h.creds, h.info, false)
	if err != nil {
		h.pool.log.Debug("deferring connection for shared handle", zap.Error(err))
		return
	}
	h.mu.Lock()
	if h.closed || h.current != nil {
		h.mu.Unlock()
		h.pool.release(item)
		return
	}
	h.own, h.current = item, item
	h.mu.Unlock()
	item.attach(h)
}
