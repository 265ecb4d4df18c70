// Package app wires the livedesk server runtime: config, logging, the routing core (presence,
// queue, assignments, transfers, chat broker), HTTP and websocket entrypoints, the maintenance
// scheduler and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"livedesk/cmd/internal/api"
	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/auth/session"
	"livedesk/cmd/internal/directory"
	"livedesk/cmd/internal/events"
	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/queue"
	"livedesk/cmd/internal/realtime"
	"livedesk/cmd/internal/retry"
	"livedesk/cmd/internal/transfer"
)

const eventProducer = "livedesk"

// App is the livedesk server runtime. It owns every long-lived component and their shutdown order.
type App struct {
	cfg Config
	log Logger

	pool *pgxpool.Pool
	rdb  *redis.Client

	tokens     *session.Manager
	writer     *retry.Writer
	presence   *presence.Registry
	mirror     *presence.RedisMirror
	queue      *queue.Manager
	directory  directory.Store
	messages   realtime.MessageStore
	engine     *assignment.Engine
	dispatcher *assignment.Dispatcher
	broker     *realtime.Broker
	transfers  *transfer.Coordinator
	emitter    *events.Emitter

	ws  *realtime.WSGateway
	api *api.Handler

	draining atomic.Bool
}

// stores groups the persistence backends picked by newStores.
type stores struct {
	messages    realtime.MessageStore
	assignments assignment.Store
	transfers   transfer.Store
	directory   directory.Store
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	ctx := context.Background()

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	tokens, err := session.NewManager(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("session keys: %w", err)
	}

	a := &App{cfg: cfg, log: log, tokens: tokens}
	if err := a.openBackends(ctx); err != nil {
		a.closeBackends()
		return nil, err
	}
	st, err := a.newStores(ctx)
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	pub, err := a.newPublisher()
	if err != nil {
		a.closeBackends()
		return nil, err
	}

	a.build(st, pub)
	a.wire()
	return a, nil
}

func (a *App) openBackends(ctx context.Context) error {
	if a.cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
	}
	if a.cfg.RedisAddr != "" {
		rdb, err := NewRedisClient(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	}
	return nil
}

func (a *App) closeBackends() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// newStores decides between Postgres-backed persistence and in-memory dev stores.
// Seeded operators are upserted into the Postgres directory so the env seed stays authoritative.
func (a *App) newStores(ctx context.Context) (stores, error) {
	seed, err := directory.ParseSeed(a.cfg.Operators)
	if err != nil {
		return stores{}, err
	}

	if a.pool == nil {
		a.log.Info("db.disabled.inmemory_store", "operators", len(seed))
		return stores{
			messages:    realtime.NewInMemoryStore(),
			assignments: assignment.NewMemoryStore(),
			transfers:   transfer.NewMemoryStore(),
			directory:   directory.NewMemoryStore(seed...),
		}, nil
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "operators", len(seed))

	msgs, err := realtime.NewPostgresStore(a.pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	asg, err := assignment.NewPostgresStore(a.pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	trs, err := transfer.NewPostgresStore(a.pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	dir, err := directory.NewPostgresStore(a.pool, a.cfg.DBSchema)
	if err != nil {
		return stores{}, err
	}
	for _, op := range seed {
		if err := dir.UpsertOperator(ctx, op); err != nil {
			return stores{}, fmt.Errorf("seed operator %s: %w", op.UserID, err)
		}
	}
	return stores{
		messages:    msgs,
		assignments: asg,
		transfers:   trs,
		directory:   directory.NewCached(dir, a.cfg.DirectoryCacheTTL),
	}, nil
}

func (a *App) newPublisher() (events.Publisher, error) {
	if a.cfg.AMQPURL == "" {
		a.log.Info("events.disabled.log_publisher")
		return events.NewLogPublisher(a.log), nil
	}
	pub, err := events.NewRabbitPublisher(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.log)
	if err != nil {
		return nil, fmt.Errorf("amqp: %w", err)
	}
	return pub, nil
}

// build constructs the routing core bottom-up.
func (a *App) build(st stores, pub events.Publisher) {
	cfg := a.cfg
	log := a.log

	a.writer = retry.NewWriter(log, retry.DefaultPolicy, 4096)
	a.presence = presence.NewRegistry(log, presence.WithGrace(cfg.PresenceGrace))
	if a.rdb != nil {
		a.mirror = presence.NewRedisMirror(a.rdb, a.writer, log, cfg.PresenceKeyPrefix, cfg.PresenceKeyTTL)
	}
	a.queue = queue.NewManager(log, queue.Config{
		DefaultServiceTime: cfg.QueueDefaultServiceTime,
		MaxWait:            cfg.QueueMaxWait,
		Retention:          cfg.QueueRetention,
	})
	a.directory = st.directory
	a.messages = st.messages
	a.emitter = events.NewEmitter(log, pub, a.writer, eventProducer)

	a.engine = assignment.NewEngine(assignment.Config{
		AcceptTimeout: cfg.AcceptTimeout,
		StartTimeout:  cfg.StartTimeout,
	}, assignment.Deps{
		Log:       log,
		Presence:  a.presence,
		Directory: a.directory,
		Queue:     a.queue,
		Store:     st.assignments,
		Writer:    a.writer,
	})
	a.dispatcher = assignment.NewDispatcher(log, a.engine, a.queue, a.presence, a.directory, cfg.DispatchInterval)

	a.broker = realtime.NewBroker(realtime.BrokerDeps{
		Log:         log,
		Store:       st.messages,
		Assignments: a.engine,
		Directory:   a.directory,
		Writer:      a.writer,
		TypingIdle:  cfg.TypingIdle,
		OnDelivered: a.emitter.MessagesDelivered,
	})
	a.transfers = transfer.NewCoordinator(cfg.TransferTimeout, transfer.Deps{
		Log:         log,
		Assignments: a.engine,
		Presence:    a.presence,
		Rooms:       a.broker,
		Store:       st.transfers,
		Writer:      a.writer,
	})

	a.ws = realtime.NewWSGateway(log, cfg.gatewayConfig(), a.tokens, a.presence, a.broker)
	a.api = api.NewHandler(api.DefaultConfig(), api.Deps{
		Log:           log,
		Auth:          a.tokens,
		Queue:         a.queue,
		Assignments:   a.engine,
		Transfers:     a.transfers,
		Presence:      a.presence,
		Chats:         a.broker,
		Conversations: st.messages,
	})
}

// wire connects change listeners. Every listener runs outside the emitting component's locks.
func (a *App) wire() {
	a.queue.OnChange(a.dispatcher.QueueChanged)

	a.presence.Subscribe(a.onPresence)
	if a.mirror != nil {
		a.presence.Subscribe(a.mirror.Listener())
	}

	a.engine.Subscribe(func(ch assignment.Change) {
		a.broker.AssignmentChanged(ch)
		a.emitter.AssignmentChanged(ch)
		if ch.Kind == assignment.ChangeCompleted || ch.Kind == assignment.ChangeCancelled {
			a.dispatcher.Kick()
		}
	})

	a.transfers.Subscribe(func(ch transfer.Change) {
		a.broker.TransferChanged(ch)
		a.emitter.TransferChanged(ch)
	})
}

// onPresence fans a presence flip out: operators coming online may take queued visitors, and a
// visitor gone for good (after grace) leaves the queue.
func (a *App) onPresence(ch presence.Change) {
	a.broker.PresenceChanged(ch)

	switch {
	case ch.Role == presence.RoleOperator && ch.Online:
		a.dispatcher.Kick()
	case ch.Role == presence.RoleVisitor && !ch.Online:
		if e, ok := a.queue.AbandonVisitor(ch.UserID); ok {
			a.emitter.QueueExited(e)
		}
	}
}

// restore reloads open assignments and pending transfers so their timers are armed again.
func (a *App) restore(ctx context.Context) error {
	n, err := a.engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore assignments: %w", err)
	}
	m, err := a.transfers.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore transfers: %w", err)
	}
	a.log.Info("state.restored", "assignments", n, "transfers", m)
	return nil
}

// Run starts the HTTP server, the dispatcher and the maintenance scheduler, and blocks until
// context cancellation or a fatal server error. Components are drained before it returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		a.shutdown()
		return err
	}

	sched, err := newMaintenance(a.log, a.cfg.MaintenanceCron, a.maintain)
	if err != nil {
		a.shutdown()
		return err
	}
	sched.Start()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.pool != nil,
		"redis_enabled", a.rdb != nil,
		"amqp_enabled", a.cfg.AMQPURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.draining.Store(true)
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	runErr := g.Wait()
	sched.Stop()
	a.shutdown()

	a.log.Info("server.stopped")
	return runErr
}

// shutdown closes components in dependency order: live connections first, then the engines,
// then presence (announcing pending offlines), then the side-effect writer is drained before
// the backends it writes to are closed.
func (a *App) shutdown() {
	a.broker.Close()
	a.transfers.Close()
	a.engine.Close()
	a.presence.Close()

	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := a.writer.Close(ctx); err != nil {
		a.log.Error("writer.drain.fail", "err", err)
	}
	if err := a.emitter.Close(); err != nil {
		a.log.Warn("events.close.fail", "err", err)
	}
	if err := a.messages.Close(); err != nil {
		a.log.Warn("store.close.fail", "err", err)
	}
	a.closeBackends()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
