package cli

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/shiftsync/internal/config"
	"github.com/kimhsiao/shiftsync/internal/db"
	"github.com/kimhsiao/shiftsync/internal/draft"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/sync"
	"github.com/kimhsiao/shiftsync/internal/sync/connectivity"
	"github.com/kimhsiao/shiftsync/internal/sync/queue"
	"github.com/kimhsiao/shiftsync/internal/sync/reconcile"
	"github.com/kimhsiao/shiftsync/internal/sync/retry"
	"github.com/kimhsiao/shiftsync/internal/sync/scheduler"
	"github.com/kimhsiao/shiftsync/internal/transport/httpapi"
	"github.com/kimhsiao/shiftsync/internal/transport/push"
)

// App holds the wired components for one process.
type App struct {
	Config     config.Config
	Records    db.RecordStore
	Persistent bool // false when running on the in-memory fallback
	Client     *httpapi.Client
	Registry   *queue.Registry
	Queue      *queue.Queue
	Store      *reconcile.Store
	Monitor    *connectivity.Monitor
	Prober     *connectivity.Prober
	Push       *push.Client
	Engine     *sync.SyncEngine
	Background *scheduler.Scheduler
	Drafts     *draft.Manager
	Metrics    *prom.Registry
}

// NewApp opens storage and wires every component from cfg. The engine is
// restored but not started.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	records, persistent := db.OpenOrFallback(ctx, cfg.DataDir)

	client, err := httpapi.New(httpapi.Config{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.RequestTimeout,
		HealthPath: cfg.ProbePath,
		UserAgent:  "shiftsync/" + Version,
	})
	if err != nil {
		records.Close()
		return nil, err
	}

	registry := queue.NewRegistry()
	if err := httpapi.RegisterRoutes(registry, client, httpapi.DefaultRoutes()); err != nil {
		records.Close()
		return nil, err
	}

	metrics := prom.NewRegistry()
	monitor := connectivity.NewMonitor(false)
	backoff := retry.NewScheduler(retry.Policy{Base: cfg.RetryBase, Max: cfg.RetryMax}, nil)

	q := queue.New(records, registry, queue.Config{
		MaxSize:        cfg.QueueMaxSize,
		HandlerTimeout: cfg.RequestTimeout,
	},
		queue.WithScheduler(backoff),
		queue.WithAutoRetry(monitor.Online),
		queue.WithRegisterer(metrics),
	)

	store := reconcile.NewStore(client)
	prober := connectivity.NewProber(monitor, client, connectivity.ProberConfig{
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.RequestTimeout,
	}, nil)

	var pushClient *push.Client
	if cfg.PushURL != "" {
		pushClient = push.NewClient(cfg.PushURL)
	}

	engine := sync.NewSyncEngine(sync.Deps{
		Queue:    q,
		Registry: registry,
		Store:    store,
		Monitor:  monitor,
		Prober:   prober,
		Push:     pushClient,
	}, sync.Config{RequestTimeout: cfg.RequestTimeout})

	if err := engine.Restore(ctx); err != nil {
		logging.Warn("Queue restore failed, starting empty", map[string]interface{}{"error": err.Error()})
	}

	background := scheduler.NewScheduler(engine, monitor.Online, scheduler.Config{
		RefreshInterval: cfg.RefreshInterval,
		RefreshTimeout:  cfg.RequestTimeout,
	}, nil)

	drafts := draft.NewManager(records, draft.Config{Key: cfg.DraftKey, Interval: cfg.DraftInterval})

	return &App{
		Config:     cfg,
		Records:    records,
		Persistent: persistent,
		Client:     client,
		Registry:   registry,
		Queue:      q,
		Store:      store,
		Monitor:    monitor,
		Prober:     prober,
		Push:       pushClient,
		Engine:     engine,
		Background: background,
		Drafts:     drafts,
		Metrics:    metrics,
	}, nil
}

// Reachable reports whether the API answers its health endpoint. Unlike
// the prober it leaves the monitor alone, so no replay is triggered.
func (a *App) Reachable(ctx context.Context) bool {
	return a.Client.Health(ctx) == nil
}

// Close flushes a pending draft, stops background work and closes storage.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.Drafts.Flush(ctx)
	a.Drafts.Close()
	a.Background.Stop()
	a.Engine.Close()
	if err := a.Records.Close(); err != nil {
		logging.Warn("Closing store failed", map[string]interface{}{"error": err.Error()})
	}
}
