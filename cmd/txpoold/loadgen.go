package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/pool"
	"github.com/joao-brasil/txpool/internal/transaction"
)

type loadgenOptions struct {
	workers  int
	duration time.Duration
	hold     time.Duration
	policy   string
	pools    []string
	handles  int
	failRate float64
}

func newLoadgenCommand() *cobra.Command {
	o := loadgenOptions{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Drive concurrent transactions through the configured pools",
		Long: "Each worker repeatedly runs a unit of work under the chosen transaction\n" +
			"policy, allocating connections from the listed pools and holding them for\n" +
			"a while before completing. Pools with the fake driver need no database.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return loadgen(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&o.workers, "workers", "w", 32, "Concurrent workers")
	f.DurationVarP(&o.duration, "duration", "d", 10*time.Second, "How long to run")
	f.DurationVar(&o.hold, "hold", 5*time.Millisecond, "How long each unit of work holds its connections")
	f.StringVar(&o.policy, "policy", transaction.Required.String(), "Transaction policy of each unit of work")
	f.StringSliceVar(&o.pools, "pool", nil, "Pools to allocate from (default all)")
	f.IntVar(&o.handles, "handles", 2, "Handles each unit of work allocates per pool")
	f.Float64Var(&o.failRate, "fail-rate", 0, "Fraction of units of work that fail and roll back")
	return cmd
}

type loadgenCounters struct {
	committed  atomic.Int64
	rolledBack atomic.Int64
	exhausted  atomic.Int64
	failed     atomic.Int64
}

var errInjected = errors.New("injected failure")

func loadgen(ctx context.Context, out io.Writer, o loadgenOptions) error {
	policy, err := transaction.ParsePolicy(o.policy)
	if err != nil {
		return err
	}
	if o.workers <= 0 || o.handles <= 0 {
		return fmt.Errorf("workers and handles must be positive")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	specs, err := a.poolOptions()
	if err != nil {
		return err
	}
	pools, err := pool.NewManager(ctx, a.tm, specs)
	if err != nil {
		return err
	}
	defer pools.Close()

	names := o.pools
	if len(names) == 0 {
		names = pools.Names()
	}
	for _, n := range names {
		if _, ok := pools.Pool(n); !ok {
			return fmt.Errorf("unknown pool: %s", n)
		}
	}

	a.log.Info("load generation started",
		zap.Int("workers", o.workers),
		zap.Duration("duration", o.duration),
		zap.String("policy", policy.String()),
		zap.Strings("pools", names))

	runCtx, cancel := context.WithTimeout(ctx, o.duration)
	defer cancel()

	var c loadgenCounters
	d := transaction.NewDemarcation(a.tm)
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	for range o.workers {
		g.Go(func() error {
			for gctx.Err() == nil {
				unitOfWork(gctx, a.tm, d, pools, names, policy, o, &c)
			}
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	total := c.committed.Load() + c.rolledBack.Load() + c.exhausted.Load() + c.failed.Load()
	fmt.Fprintf(out, "elapsed      %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "units        %d (%.0f/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Fprintf(out, "committed    %d\n", c.committed.Load())
	fmt.Fprintf(out, "rolled back  %d\n", c.rolledBack.Load())
	fmt.Fprintf(out, "exhausted    %d\n", c.exhausted.Load())
	fmt.Fprintf(out, "failed       %d\n", c.failed.Load())
	for _, st := range pools.Stats() {
		fmt.Fprintf(out, "pool %-12s total=%d idle=%d created=%d destroyed=%d create-failed=%d\n",
			st.Name, st.Total, st.Idle, st.Created, st.Destroyed, st.CreateFailed)
	}
	return nil
}

// unitOfWork allocates handles from every pool inside one demarcated
// scope, holds them, and closes them before the scope completes.
func unitOfWork(ctx context.Context, tm *transaction.Manager, d *transaction.Demarcation,
	pools *pool.Manager, names []string, policy transaction.Policy, o loadgenOptions, c *loadgenCounters) {
	ctx = tm.Bind(ctx)
	defer tm.Release(ctx)

	err := d.Run(ctx, policy, func(ctx context.Context) error {
		for _, name := range names {
			for range o.handles {
				h, err := pools.Allocate(ctx, name, driver.Credentials{}, driver.Info{})
				if err != nil {
					return err
				}
				defer h.Close()
				if _, err := h.Conn(ctx); err != nil {
					return err
				}
			}
		}
		select {
		case <-time.After(o.hold):
		case <-ctx.Done():
			return ctx.Err()
		}
		if o.failRate > 0 && rand.Float64() < o.failRate {
			return errInjected
		}
		return nil
	})

	switch {
	case err == nil:
		c.committed.Add(1)
	case errors.Is(err, errInjected), transaction.IsRollback(err):
		c.rolledBack.Add(1)
	case pool.IsResourceExhausted(err):
		c.exhausted.Add(1)
	case ctx.Err() != nil:
		// Run ended mid-unit.
	default:
		c.failed.Add(1)
		zap.L().Named("loadgen").Debug("unit of work failed", zap.Error(err))
	}
}
