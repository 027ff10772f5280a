package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"MailCadence/internal/api"
	"MailCadence/internal/config"
	"MailCadence/internal/db"
	"MailCadence/internal/email"
	"MailCadence/internal/events"
	"MailCadence/internal/queue"
	"MailCadence/internal/ratelimit"
	"MailCadence/internal/scheduler"
	"MailCadence/internal/worker"
)

// Stores are the record and job stores sharing one database.
type Stores struct {
	Driver  string
	Records db.Store
	Jobs    queue.Store
	// SQL is the database/sql handle migrations run on.
	SQL *sql.DB

	close func()
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores connects to DATABASE_URL and, when migrate is set, applies
// pending migrations.
func OpenStores(ctx context.Context, cfg *config.Config, log *zap.Logger, migrate bool) (*Stores, error) {
	driver, dsn, err := cfg.Database()
	if err != nil {
		return nil, err
	}

	var st *Stores
	switch driver {
	case config.DriverPostgres:
		sqlDB, err := db.OpenPostgresSQL(dsn)
		if err != nil {
			return nil, err
		}
		pg, err := db.NewPostgres(ctx, dsn)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		st = &Stores{
			Driver:  driver,
			Records: pg,
			Jobs:    queue.NewPostgresStore(pg.Pool),
			SQL:     sqlDB,
			close: func() {
				pg.Close()
				sqlDB.Close()
			},
		}

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		st = &Stores{
			Driver:  driver,
			Records: db.NewSQLiteStore(sqlDB),
			Jobs:    queue.NewSQLiteStore(sqlDB),
			SQL:     sqlDB,
			close:   func() { sqlDB.Close() },
		}

	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if err := waitFor(ctx, log, "database", st.Records.Ping); err != nil {
		st.Close()
		return nil, err
	}

	if migrate {
		if err := db.Migrate(ctx, driver, st.SQL); err != nil {
			st.Close()
			return nil, err
		}
		log.Info("database migrated", zap.String("driver", driver))
	}

	return st, nil
}

// NewLimiter builds the rate limiter on Redis when REDIS_ADDR is set and on
// an in-process counter store otherwise.
func NewLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) (*ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, rate windows are kept in process memory")
		return ratelimit.New(ratelimit.NewMemoryStore(), cfg.HourlyLimit), func() {}, nil
	}

	rs := ratelimit.NewRedisStore(ratelimit.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := waitFor(ctx, log, "redis", rs.Ping); err != nil {
		rs.Close()
		return nil, nil, err
	}
	return ratelimit.New(rs, cfg.HourlyLimit), func() { rs.Close() }, nil
}

// ErrLocalRateWindows means rate windows live in the server's memory, where
// another process cannot read or reset them.
var ErrLocalRateWindows = errors.New("REDIS_ADDR not set: rate windows are local to the server process, use GET/DELETE /api/ratelimit/{senderId} instead")

// NewSharedLimiter is NewLimiter for processes other than the server. It
// refuses to fall back to an in-process counter store.
func NewSharedLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) (*ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, nil, ErrLocalRateWindows
	}
	return NewLimiter(ctx, cfg, log)
}

// App is the scheduler context: stores, limiter, transport and the worker
// pool, built explicitly and started and stopped by the caller.
type App struct {
	Cfg        *config.Config
	Log        *zap.Logger
	Stores     *Stores
	Limiter    *ratelimit.Limiter
	Events     events.Publisher
	Scheduler  *scheduler.Scheduler
	Dispatcher *worker.Dispatcher
	Recovery   *worker.Recovery

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	stores, err := OpenStores(ctx, cfg, log, cfg.AutoMigrate)
	if err != nil {
		return nil, err
	}
	a.Stores = stores
	a.closers = append(a.closers, stores.Close)

	limiter, closeLimiter, err := NewLimiter(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Limiter = limiter
	a.closers = append(a.closers, closeLimiter)

	transport, err := email.NewTransport(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Events = events.Nop{}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Events = pub
		a.closers = append(a.closers, pub.Close)
	}

	a.Scheduler = scheduler.New(stores.Records, stores.Jobs, log)
	a.Dispatcher = worker.NewDispatcher(
		stores.Jobs,
		stores.Records,
		limiter,
		transport,
		a.Events,
		log,
		worker.Options{
			Workers:         cfg.WorkerCount,
			PollInterval:    cfg.PollInterval,
			MinSendDelay:    cfg.MinSendDelay(),
			SendTimeout:     cfg.SendTimeout,
			SendRate:        cfg.SendRatePerSecond,
			StoreRetryDelay: cfg.StoreRetryDelay,
		},
	)
	a.Recovery = worker.NewRecovery(stores.Jobs, cfg.ClaimTimeout, log)

	return a, nil
}

// Start releases claims left by a previous process, then starts the workers
// and the periodic claim sweep.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Recovery.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("recover claims: %w", err)
	}
	a.Log.Info("startup claim recovery complete", zap.Int("recovered", n))

	if err := a.Recovery.Start(a.Cfg.RecoverySchedule); err != nil {
		return fmt.Errorf("schedule claim recovery: %w", err)
	}
	a.Dispatcher.Start(ctx)
	return nil
}

// Stop halts the sweep and drains the workers until ctx ends.
func (a *App) Stop(ctx context.Context) error {
	a.Recovery.Stop()
	return a.Dispatcher.Stop(ctx)
}

func (a *App) Handler() http.Handler {
	h := &api.Handler{
		Scheduler: a.Scheduler,
		Records:   a.Stores.Records,
		Jobs:      a.Stores.Jobs,
		Limiter:   a.Limiter,
		Log:       a.Log,
	}
	return h.Routes()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func waitFor(ctx context.Context, log *zap.Logger, what string, ping func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	return backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return ping(pctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("waiting for "+what, zap.Error(err), zap.Duration("retry_in", next))
	})
}
