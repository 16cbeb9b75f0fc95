package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/txpool/internal/config"
	"github.com/joao-brasil/txpool/internal/driver/backend"
	"github.com/joao-brasil/txpool/internal/transaction"
)

func newRecoverCommand() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resolve branches left prepared on the data sources, then exit",
		Long: "Connects to every XA-enabled pool's data source, lists the branches it holds\n" +
			"prepared and commits or forgets each one according to the transaction log.\n" +
			"Branches of other server ids are left alone.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return recoverAll(cmd.Context(), cmd.OutOrStdout(), only)
		},
	}
	cmd.Flags().StringSliceVar(&only, "pool", nil, "Only recover these pools (default all)")
	return cmd
}

type recoveryReport struct {
	pool string
	res  transaction.RecoveryResult
	err  error
}

func recoverAll(ctx context.Context, out io.Writer, only []string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	targets := a.cfg.Pools
	if len(only) > 0 {
		targets = nil
		for _, name := range only {
			pc, ok := a.cfg.PoolByName(name)
			if !ok {
				return fmt.Errorf("unknown pool: %s", name)
			}
			targets = append(targets, *pc)
		}
	}

	var (
		mu      sync.Mutex
		reports []recoveryReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, pc := range targets {
		if !pc.Pool.EnableXA {
			continue
		}
		g.Go(func() error {
			res, err := recoverPool(gctx, a.tm, pc)
			mu.Lock()
			reports = append(reports, recoveryReport{pool: pc.Name, res: res, err: err})
			mu.Unlock()
			if err != nil {
				a.log.Error("recovery failed", zap.String("pool", pc.Name), zap.Error(err))
			}
			// One unreachable data source must not stop the others.
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range reports {
		if r.err != nil {
			failed++
			fmt.Fprintf(out, "%-20s error: %v\n", r.pool, r.err)
			continue
		}
		fmt.Fprintf(out, "%-20s committed=%d forgotten=%d skipped=%d\n",
			r.pool, len(r.res.Committed), len(r.res.Forgotten), len(r.res.Skipped))
	}
	if failed > 0 {
		return fmt.Errorf("recovery failed for %d of %d pools", failed, len(reports))
	}
	return nil
}

// recoverPool runs recovery through one throwaway connection.
func recoverPool(ctx context.Context, tm *transaction.Manager, pc config.PoolConfig) (transaction.RecoveryResult, error) {
	f, err := backend.Open(pc.DataSource)
	if err != nil {
		return transaction.RecoveryResult{}, err
	}
	conn, err := f.Create(ctx, backend.DefaultCredentials(pc.DataSource), backend.DefaultInfo(pc.DataSource))
	if err != nil {
		return transaction.RecoveryResult{}, fmt.Errorf("connecting: %w", err)
	}
	defer f.Destroy(conn)

	xa := conn.XAResource()
	if xa == nil {
		return transaction.RecoveryResult{}, nil
	}
	return tm.Recover(ctx, xa)
}
