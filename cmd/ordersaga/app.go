package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/metrics"
	"github.com/goclaw/ordersaga/pkg/order"
	"github.com/goclaw/ordersaga/pkg/order/simulator"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/signal"
	"github.com/goclaw/ordersaga/pkg/telemetry/tracing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type runOptions struct {
	configPath  string
	overrides   map[string]interface{}
	orders      []order.Order
	cancelAfter time.Duration
	shutdown    time.Duration
}

type summary struct {
	completed int
	failed    int
	cancelled int
}

// app holds the wired components of one ordersaga process.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager
	store   saga.RunStore
	journal saga.Journal
	bus     signal.Bus
	exec    *saga.Executor
	sim     *simulator.Services
	service *order.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	a.metrics = metrics.NewManager(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})
	signal.SetMetricsRecorder(a.metrics)
	a.onClose(func() error {
		signal.SetMetricsRecorder(nil)
		return nil
	})

	shutdownTracing, err := tracing.Init(ctx, cfg.App, cfg.Tracing, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(flushCtx)
	})

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openBus(ctx); err != nil {
		return nil, err
	}

	a.sim, err = simulator.New(simulator.Config{
		Latency:           cfg.Simulator.Latency,
		OperationLatency:  cfg.Simulator.OperationLatency,
		Failures:          cfg.Simulator.Failures,
		Stock:             cfg.Simulator.Stock,
		DefaultStock:      cfg.Simulator.DefaultStock,
		DeclinedCustomers: cfg.Simulator.DeclinedCustomers,
		Logger:            log.With("component", "simulator"),
	})
	if err != nil {
		return nil, fmt.Errorf("create simulator: %w", err)
	}

	stepOpts := []saga.StepExecutorOption{
		saga.WithStepMetrics(a.metrics),
		saga.WithStepLogger(log),
	}
	if cfg.Saga.StepRateLimit > 0 {
		stepOpts = append(stepOpts, saga.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.Saga.StepRateLimit), max(cfg.Saga.StepRateBurst, 1))))
	}

	a.exec = saga.NewExecutor(
		saga.WithRunStore(a.store),
		saga.WithJournal(a.journal),
		saga.WithSignalBus(a.bus),
		saga.WithMetrics(a.metrics),
		saga.WithLogger(log),
		saga.WithStepExecutor(saga.NewStepExecutor(stepOpts...)),
		saga.WithCompensationRetry(cfg.Saga.CompensationRetry.Policy(), cfg.Saga.CompensationTimeout),
		saga.WithMaxConcurrentRuns(cfg.Saga.MaxConcurrentRuns),
	)

	a.service, err = order.NewService(a.exec, a.sim, order.StepConfig{
		Timeout: cfg.Saga.StepTimeout,
		Retry:   cfg.Saga.Retry.Policy(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create order service: %w", err)
	}
	return a, nil
}

// openStorage selects the run store and journal. Badger backs both with one
// database; Postgres keeps snapshots while the journal stays in memory.
func (a *app) openStorage(ctx context.Context) error {
	switch a.cfg.Storage.Type {
	case "badger":
		opts := badger.DefaultOptions(a.cfg.Storage.Badger.Path)
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			return fmt.Errorf("open badger at %s: %w", a.cfg.Storage.Badger.Path, err)
		}
		a.onClose(db.Close)

		store, err := saga.NewBadgerRunStore(db)
		if err != nil {
			return fmt.Errorf("create badger run store: %w", err)
		}
		journal, err := saga.NewBadgerJournal(db, saga.BadgerJournalOptions{
			WriteMode:      saga.JournalWriteMode(a.cfg.Storage.Badger.JournalWriteMode),
			AsyncQueueSize: a.cfg.Storage.Badger.AsyncQueueSize,
			Logger:         a.log,
		})
		if err != nil {
			return fmt.Errorf("create badger journal: %w", err)
		}
		a.onClose(journal.Close)
		a.store, a.journal = store, journal
		a.log.Info("Initialized Badger storage", "path", a.cfg.Storage.Badger.Path)

	case "postgres":
		store, err := saga.OpenSQLRunStore(ctx, a.cfg.Storage.Postgres.DSN, a.cfg.Storage.Postgres.MaxOpenConns)
		if err != nil {
			return err
		}
		a.onClose(store.Close)
		a.store, a.journal = store, saga.NewMemoryJournal()
		a.log.Info("Initialized Postgres run store")

	default:
		a.store, a.journal = saga.NewMemoryRunStore(), saga.NewMemoryJournal()
		a.log.Info("Initialized memory storage")
	}
	return nil
}

func (a *app) openBus(ctx context.Context) error {
	cfg := a.cfg.Signal
	switch cfg.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis at %s: %w", cfg.Redis.Address, err)
		}
		bus := signal.NewRedisBus(client, cfg.Redis.ChannelPrefix, cfg.BufferSize)
		a.onClose(client.Close)
		a.onClose(bus.Close)
		a.bus = bus
		a.log.Info("Initialized Redis signal bus", "address", cfg.Redis.Address)
	default:
		bus := signal.NewLocalBus(cfg.BufferSize)
		a.onClose(bus.Close)
		a.bus = bus
	}
	return nil
}

// onClose registers fn to run at shutdown. Closers run in reverse order.
func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("Error during shutdown", "error", err)
		}
	}
	a.closers = nil
}

// Close waits for in-flight runs and releases every component.
func (a *app) Close(ctx context.Context) {
	if a.exec != nil {
		if err := a.exec.Shutdown(ctx); err != nil {
			a.log.Error("Error during executor shutdown", "error", err)
		}
	}
	a.closeAll()
}

// run wires the application, processes opts.orders and reports one line per
// order to out. The metrics server and config watcher live until the orders
// are done or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts runOptions, log logger.Logger, out io.Writer) (summary, error) {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return summary{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdown)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)

	if a.metrics.Enabled() {
		g.Go(func() error {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return a.metrics.StartServer(gctx, cfg.Metrics.Port, cfg.Metrics.Path)
		})
	}

	if opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, config.NewLoader(),
			config.WithOverrides(opts.overrides),
			config.WithWatcherLogger(log),
		)
		if err != nil {
			return summary{}, err
		}
		defer watcher.Stop()
		watcher.OnChange(config.LogLevelApplier(log, cfg))
		g.Go(func() error {
			if err := watcher.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	var result summary
	g.Go(func() error {
		defer stopServing()
		result = a.processOrders(gctx, opts, out)
		return nil
	})

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

type orderOutcome struct {
	orderID string
	status  order.Status
	err     error
}

func (a *app) processOrders(ctx context.Context, opts runOptions, out io.Writer) summary {
	var (
		mu       sync.Mutex
		outcomes []orderOutcome
		wg       sync.WaitGroup
	)
	for _, o := range opts.orders {
		wg.Add(1)
		go func(o order.Order) {
			defer wg.Done()
			outcome := a.processOrder(ctx, o, opts)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}(o)
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].orderID < outcomes[j].orderID })

	var s summary
	for _, oc := range outcomes {
		fmt.Fprintln(out, formatOutcome(oc))
		switch {
		case oc.err == nil && oc.status.Status == saga.StatusCompleted:
			s.completed++
		case oc.status.Status == saga.StatusCancelled:
			s.cancelled++
		default:
			s.failed++
		}
	}
	return s
}

func (a *app) processOrder(ctx context.Context, o order.Order, opts runOptions) orderOutcome {
	handle, err := a.service.Submit(ctx, o)
	if err != nil {
		return orderOutcome{orderID: o.OrderID, err: err}
	}

	if opts.cancelAfter > 0 {
		go a.cancelLater(ctx, handle, o.OrderID, opts.cancelAfter)
	}

	if _, err := handle.Wait(ctx); err != nil && ctx.Err() != nil {
		// Interrupted: ask the run to stop and give it the shutdown window to unwind.
		a.requestCancel(o.OrderID, "shutdown")
		waitCtx, cancel := context.WithTimeout(context.Background(), opts.shutdown)
		defer cancel()
		_, _ = handle.Wait(waitCtx)
	}

	status, err := a.service.Status(context.Background(), o.OrderID)
	if err != nil {
		return orderOutcome{orderID: o.OrderID, err: err}
	}
	return orderOutcome{orderID: o.OrderID, status: status}
}

func (a *app) cancelLater(ctx context.Context, handle *saga.RunHandle, orderID string, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-handle.Done():
		return
	case <-ctx.Done():
		return
	}
	a.requestCancel(orderID, "cancel-after elapsed")
}

// requestCancel publishes a cancel signal so the request travels the same bus a
// remote client would use.
func (a *app) requestCancel(orderID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := signal.SendCancel(ctx, a.bus, order.WorkflowID(orderID), reason, "ordersaga-cli"); err != nil {
		a.log.Warn("Failed to send cancel signal", "order_id", orderID, "error", err)
	}
}

func formatOutcome(oc orderOutcome) string {
	if oc.err != nil {
		return fmt.Sprintf("order %s: error: %v", oc.orderID, oc.err)
	}
	s := oc.status
	line := fmt.Sprintf("order %s: status=%s", oc.orderID, s.Status)
	if s.TrackingNumber != "" {
		line += " tracking=" + s.TrackingNumber
	}
	if s.Error != "" {
		line += fmt.Sprintf(" error=%q", s.Error)
	}
	if len(s.Compensated) > 0 {
		line += fmt.Sprintf(" compensated=%v", s.Compensated)
	}
	if len(s.Unreversed) > 0 {
		line += fmt.Sprintf(" unreversed=%v", s.Unreversed)
	}
	return line
}

// loadOrders reads a JSON array of orders from path, or generates count sample
// orders with random ids when path is empty.
func loadOrders(path string, count int) ([]order.Order, error) {
	if path == "" {
		if count < 1 {
			return nil, fmt.Errorf("count must be >= 1, got %d", count)
		}
		orders := make([]order.Order, 0, count)
		for i := 0; i < count; i++ {
			orders = append(orders, order.SampleOrder(uuid.NewString()))
		}
		return orders, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	var orders []order.Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, fmt.Errorf("decode orders from %s: %w", path, err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("no orders in %s", path)
	}
	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		if _, dup := seen[o.OrderID]; dup {
			return nil, fmt.Errorf("duplicate order id %q in %s", o.OrderID, path)
		}
		seen[o.OrderID] = struct{}{}
	}
	return orders, nil
}
