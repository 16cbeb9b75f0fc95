package xalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/metrics"
)

//go:embed lua/append.lua
var appendLuaScript string

// ── Redis key patterns ───────────────────────────────────────────────────
const (
	keyRecords = "txpool:xa:%s:records" // list of "<outcome>|<unix-nanos>"
	keyCommit  = "txpool:xa:%s:commit"  // present once a commit record exists
	keyGids    = "txpool:xa:gids"       // set of every gid with records
)

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool-size"`
	DialTimeout  time.Duration `yaml:"dial-timeout"`
	ReadTimeout  time.Duration `yaml:"read-timeout"`
	WriteTimeout time.Duration `yaml:"write-timeout"`
}

// RedisLog keeps records in Redis. Durability depends on the server's
// persistence settings (appendfsync always is required for crash safety).
type RedisLog struct {
	client    redis.UniversalClient
	appendSHA string
	log       *zap.Logger
}

// OpenRedis connects, pings and loads the append script.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisLog, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("xalog: redis backend requires an addr")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	l, err := newRedisLog(ctx, client, cfg.DialTimeout)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

func newRedisLog(ctx context.Context, client redis.UniversalClient, timeout time.Duration) (*RedisLog, error) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	sha, err := client.ScriptLoad(ctx, appendLuaScript).Result()
	if err != nil {
		return nil, fmt.Errorf("loading append.lua: %w", err)
	}

	l := &RedisLog{client: client, appendSHA: sha, log: zap.L().Named("xalog")}
	l.log.Info("redis xa log ready", zap.String("append-sha", sha[:8]))
	return l, nil
}

func (l *RedisLog) Append(ctx context.Context, gid string, outcome Outcome) error {
	if err := checkAppend(gid, outcome); err != nil {
		return err
	}
	keys := []string{
		fmt.Sprintf(keyRecords, gid),
		fmt.Sprintf(keyCommit, gid),
		keyGids,
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)

	err := l.client.EvalSha(ctx, l.appendSHA, keys, gid, string(outcome), now).Err()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// Script cache was flushed (server restart); Eval reloads it.
		err = l.client.Eval(ctx, appendLuaScript, keys, gid, string(outcome), now).Err()
	}
	if err != nil {
		metrics.XALogOperations.WithLabelValues("append", "error").Inc()
		return fmt.Errorf("append xa record %s/%s: %w", gid, outcome, err)
	}
	metrics.XALogOperations.WithLabelValues("append", "ok").Inc()
	return nil
}

func (l *RedisLog) IsCommitted(ctx context.Context, gid string) (bool, error) {
	n, err := l.client.Exists(ctx, fmt.Sprintf(keyCommit, gid)).Result()
	if err != nil {
		metrics.XALogOperations.WithLabelValues("lookup", "error").Inc()
		return false, fmt.Errorf("read xa commit marker %s: %w", gid, err)
	}
	metrics.XALogOperations.WithLabelValues("lookup", "ok").Inc()
	return n > 0, nil
}

func (l *RedisLog) Records(ctx context.Context, gid string) ([]Record, error) {
	entries, err := l.client.LRange(ctx, fmt.Sprintf(keyRecords, gid), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read xa records %s: %w", gid, err)
	}

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		outcome, ts, ok := strings.Cut(e, "|")
		if !ok {
			return nil, fmt.Errorf("malformed xa record %q for %s", e, gid)
		}
		nanos, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed xa record %q for %s: %w", e, gid, err)
		}
		out = append(out, Record{Gid: gid, Outcome: Outcome(outcome), Time: time.Unix(0, nanos)})
	}
	return out, nil
}

func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}
