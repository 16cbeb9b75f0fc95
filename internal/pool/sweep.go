package pool

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/metrics"
)

// validateTimeout bounds the liveness check of one idle connection.
const validateTimeout = 2 * time.Second

// sweepLoop periodically drops expired and dead connections. It re-arms
// after every run and stops when the pool closes.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.sweepInterval())
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
			p.Sweep()
			timer.Reset(p.cfg.sweepInterval())
		}
	}
}

// Sweep checks every item once. Idle items past their idle or pool
// lifetime or failing validation are destroyed, and so are items in use
// past max-active-time.
func (p *Pool) Sweep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	items := make([]*ManagedItem, 0, len(p.all))
	for _, it := range p.all {
		items = append(items, it)
	}
	p.mu.Unlock()

	now := time.Now()
	var stale, dead, expired int
	for _, it := range items {
		switch it.State() {
		case ItemIdle:
			if !p.claimIdle(it) {
				// Handed out since the snapshot.
				continue
			}
			ok, reason := it.checkValid(now)
			if ok {
				if ok, reason = p.revalidate(it); ok {
					continue
				}
				dead++
			} else {
				stale++
			}
			p.destroy(it, reason)
		case ItemActive:
			// A leaked handle loses its connection; a transaction it is
			// enlisted in is doomed.
			if ok, reason := it.checkValid(now); !ok {
				expired++
				p.destroy(it, reason)
			}
		}
		// Broken items still held by a handle go when released.
	}

	if stale+dead+expired > 0 {
		p.log.Info("sweep removed connections",
			zap.Int("expired", stale), zap.Int("dead", dead), zap.Int("active-timeout", expired))
	}
	p.mu.Lock()
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// revalidate pings a claimed idle connection and puts it back at the
// cold end of the idle list if it is alive.
func (p *Pool) revalidate(it *ManagedItem) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	alive := p.factory.Validate(ctx, it.conn)
	cancel()
	if !alive {
		metrics.ConnectionErrors.WithLabelValues(p.name, "validate_failed").Inc()
		return false, "invalid"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, "closed"
	}
	if it.retired() {
		// Cleared while the sweep held it.
		return false, "cleared"
	}
	p.idle = slices.Insert(p.idle, 0, it)
	return true, ""
}

// claimIdle removes it from the idle list, reporting whether it was there.
func (p *Pool) claimIdle(it *ManagedItem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.idle, it)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	return true
}
