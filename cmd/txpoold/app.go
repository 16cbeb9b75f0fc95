package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/config"
	"github.com/joao-brasil/txpool/internal/driver/backend"
	"github.com/joao-brasil/txpool/internal/logging"
	"github.com/joao-brasil/txpool/internal/pool"
	"github.com/joao-brasil/txpool/internal/transaction"
	"github.com/joao-brasil/txpool/internal/xalog"
)

// app holds what every command builds from the configuration file: the
// logger, the durable log and the transaction manager.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	xalog xalog.Log
	tm    *transaction.Manager

	restoreLog func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, restore, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	xl, err := xalog.Open(ctx, cfg.XALog)
	if err != nil {
		restore()
		logger.Sync()
		return nil, fmt.Errorf("opening transaction log: %w", err)
	}
	logger.Info("transaction log opened", zap.String("backend", cfg.XALog.Backend))

	tm := transaction.NewManager(transaction.Options{
		ServerID:       cfg.Server.ID,
		Log:            xl,
		DefaultTimeout: cfg.Server.DefaultTransactionTimeout,
	})

	return &app{
		cfg:        cfg,
		log:        logger.Named("main"),
		xalog:      xl,
		tm:         tm,
		restoreLog: restore,
	}, nil
}

// poolOptions builds one pool.Options per configured pool, opening the
// backend factory each one connects through.
func (a *app) poolOptions() ([]pool.Options, error) {
	specs := make([]pool.Options, 0, len(a.cfg.Pools))
	for _, pc := range a.cfg.Pools {
		f, err := backend.Open(pc.DataSource)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", pc.Name, err)
		}
		specs = append(specs, pool.Options{
			Name:        pc.Name,
			Config:      pc.Pool,
			Factory:     f,
			Manager:     a.tm,
			Credentials: backend.DefaultCredentials(pc.DataSource),
			Info:        backend.DefaultInfo(pc.DataSource),
		})
	}
	return specs, nil
}

func (a *app) close() {
	if err := a.xalog.Close(); err != nil {
		a.log.Warn("transaction log close error", zap.Error(err))
	}
	a.log.Sync()
	a.restoreLog()
}
