package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/metrics"
	"github.com/joao-brasil/txpool/internal/xalog"
)

// RecoveryResult lists what Recover did with each in-doubt branch.
type RecoveryResult struct {
	Committed []Xid
	Forgotten []Xid
	Skipped   []Xid // branches of another server id
}

// Recover reconciles the branches r holds prepared against the durable
// log: a branch whose global id has a commit record is committed, any
// other branch of this server is forgotten. Running it twice over the same
// state issues the same calls.
func (m *Manager) Recover(ctx context.Context, r Resource) (RecoveryResult, error) {
	var res RecoveryResult

	xids, err := r.Recover(ctx)
	if err != nil {
		return res, fmt.Errorf("listing in-doubt branches: %w", err)
	}
	if len(xids) == 0 {
		return res, nil
	}
	m.log.Info("recovering in-doubt branches", zap.Int("count", len(xids)))

	var errs []error
	for _, xid := range xids {
		if !m.owns(xid) {
			res.Skipped = append(res.Skipped, xid)
			continue
		}

		committed, err := m.xalog.IsCommitted(ctx, xid.Global)
		if err != nil {
			errs = append(errs, fmt.Errorf("looking up %s: %w", xid, err))
			continue
		}

		if committed {
			if err := r.Commit(ctx, xid, false); err != nil && xaCode(err) != XAErrNotA {
				errs = append(errs, fmt.Errorf("commit %s: %w", xid, err))
				continue
			}
			metrics.RecoveredBranches.WithLabelValues("commit").Inc()
			m.log.Info("recovered in-doubt branch as committed", zap.String("xid", xid.String()))
			res.Committed = append(res.Committed, xid)
			continue
		}

		if err := r.Forget(ctx, xid); err != nil && xaCode(err) != XAErrNotA {
			errs = append(errs, fmt.Errorf("forget %s: %w", xid, err))
			continue
		}
		if err := m.xalog.Append(ctx, xid.Global, xalog.OutcomeForget); err != nil {
			m.log.Debug("recording forgotten branch", zap.String("xid", xid.String()), zap.Error(err))
		}
		metrics.RecoveredBranches.WithLabelValues("forget").Inc()
		m.log.Debug("in-doubt branch has no commit record, forgotten", zap.String("xid", xid.String()))
		res.Forgotten = append(res.Forgotten, xid)
	}

	if len(errs) > 0 {
		return res, &Error{Kind: KindSystem, Op: "recover", Err: errors.Join(errs...)}
	}
	return res, nil
}

// owns reports whether xid was generated by this server: the server id
// followed by exactly the nonce and counter fields.
func (m *Manager) owns(xid Xid) bool {
	rest, ok := strings.CutPrefix(xid.Global, m.ids.serverID+".")
	return ok && strings.Count(rest, ".") == 1
}
