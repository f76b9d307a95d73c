package nftbridged

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nftbridge/actions"
	"nftbridge/chain"
	"nftbridge/ledger"
	"nftbridge/moderation"
	"nftbridge/nft"
	"nftbridge/observability"
	"nftbridge/observability/logging"
	telemetry "nftbridge/observability/otel"
	"nftbridge/social"
	"nftbridge/storage"
	"nftbridge/store"
)

const serviceName = "nftbridged"

type backoff struct {
	min, max time.Duration
}

var defaultBackoff = backoff{min: time.Second, max: 30 * time.Second}

// Main initialises and runs the bridge daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/nftbridged/config.yaml", "path to nftbridged configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("NFTBRIDGE_ENV"))
	}
	logOpts := logging.Options{Level: logging.ParseLevel(cfg.Logging.Level)}
	if cfg.Logging.File != "" {
		logOpts.File = &logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	logger := logging.Setup(serviceName, env, logOpts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()
	return daemon.Run(ctx)
}

// Daemon holds the wired bridge components.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	client     *ethclient.Client
	state      store.Store
	closeState func() error
	snapshots  storage.Database
	ledger     *ledger.Ledger

	queue      *actions.Queue
	subscriber *chain.Subscriber
	dispatcher *nft.Dispatcher
	ready      *Readiness
	retry      backoff

	// Service is the request-side entry point for mint and redeem orders.
	Service *nft.Service
}

// New connects to the chain and builds every component from cfg. Persisted state is restored
// before New returns.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger, ready: &Readiness{}, retry: defaultBackoff}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	signer, err := cfg.Chain.LoadSigner()
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}

	if err := d.openState(ctx); err != nil {
		return nil, err
	}

	var nftLedger nft.Ledger = nft.NopLedger{}
	if cfg.Ledger.DSN != "" {
		d.ledger, err = ledger.Open(cfg.Ledger.DSN)
		if err != nil {
			return nil, err
		}
		if err := d.ledger.Migrate(ctx); err != nil {
			return nil, err
		}
		nftLedger = d.ledger
	} else {
		logger.Warn("ledger dsn not configured; ledger updates disabled")
	}

	bridgeMetrics := observability.Bridge()
	eventMetrics := observability.Events()

	moderator, err := moderation.New(moderation.Config{
		APIKey:     cfg.Moderation.APIKey,
		BaseURL:    cfg.Moderation.BaseURL,
		Model:      cfg.Moderation.Model,
		Timeout:    cfg.Moderation.Timeout.Duration,
		MaxRetries: cfg.Moderation.MaxRetries,
	}, moderation.WithLogger(logger), moderation.WithMetrics(bridgeMetrics))
	if err != nil {
		return nil, err
	}

	poster := social.NewClient(cfg.Social.ConsumerKey, cfg.Social.ConsumerSecret,
		social.WithAPIBase(cfg.Social.APIBase),
		social.WithUploadBase(cfg.Social.UploadBase),
		social.WithRateLimit(rate.Limit(cfg.Social.RatePerSecond), cfg.Social.Burst),
		social.WithMaxMediaBytes(cfg.Social.MaxMediaBytes),
		social.WithLogger(logger))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.DialTimeout.Duration)
	d.client, err = chain.Dial(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(cfg.Chain.Contract)
	transactor, err := chain.NewTransactor(ctx, d.client, contract, signer.PrivateKey,
		chain.WithGasMargin(cfg.Chain.GasMargin),
		chain.WithTransactorLogger(logger))
	if err != nil {
		return nil, err
	}

	d.queue = actions.NewQueue(transactor,
		actions.WithCapacity(cfg.Queue.Capacity),
		actions.WithActionTimeout(cfg.Queue.ActionTimeout.Duration),
		actions.WithLogger(logger),
		actions.WithMetrics(bridgeMetrics))

	d.subscriber = chain.NewSubscriber(d.client, contract,
		chain.WithLogBuffer(cfg.Chain.LogBuffer),
		chain.WithSubscriberLogger(logger),
		chain.WithSubscriberMetrics(eventMetrics))

	handlers := nft.NewHandlers(d.state, moderator, poster,
		nft.WithLedger(nftLedger),
		nft.WithMediaFetcher(poster),
		nft.WithHandlerLogger(logger),
		nft.WithHandlerMetrics(bridgeMetrics))
	d.dispatcher = nft.NewDispatcher(handlers,
		nft.WithHandlerTimeout(cfg.Chain.HandlerTimeout.Duration),
		nft.WithDispatcherLogger(logger),
		nft.WithEventMetrics(eventMetrics))

	d.Service = nft.NewService(d.state, d.queue, moderator)

	logger.Info("bridge configured",
		slog.String("contract", contract.Hex()),
		slog.String("signer", transactor.From().Hex()),
		slog.String("store", cfg.Store.Backend))
	ok = true
	return d, nil
}

func (d *Daemon) openState(ctx context.Context) error {
	switch d.cfg.Store.Backend {
	case "bolt":
		st, err := store.OpenBolt(d.cfg.Store.Path, nil)
		if err != nil {
			return err
		}
		d.state, d.closeState = st, st.Close
	case "sqlite":
		st, err := store.OpenSQLite(d.cfg.Store.Path)
		if err != nil {
			return err
		}
		d.state, d.closeState = st, st.Close
	default:
		d.state = store.NewMemoryStore()
	}

	if d.cfg.Snapshot.Path == "" {
		return nil
	}
	db, err := storage.NewLevelDB(d.cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	d.snapshots = db
	restored, err := storage.LoadSnapshot(ctx, db, d.state)
	if err != nil {
		return err
	}
	if restored {
		d.logger.Info("state restored from snapshot", slog.String("path", d.cfg.Snapshot.Path))
	}
	return nil
}

// Run drives the action queue, the event pipeline, periodic snapshots and the ops listener
// until ctx ends or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         d.cfg.Ops.Listen,
		Handler:      NewOpsRouter(d.ready),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		d.ready.SetConsuming(true)
		defer d.ready.SetConsuming(false)
		return d.queue.Run(gctx)
	})
	group.Go(func() error {
		return d.ingest(gctx)
	})
	group.Go(func() error {
		d.snapshotLoop(gctx)
		return nil
	})
	group.Go(func() error {
		d.logger.Info("ops listener started", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		return nil
	})

	err := group.Wait()
	d.logger.Info("waiting for in-flight handlers")
	d.dispatcher.Wait()
	d.saveSnapshot(context.Background())
	return err
}

// ingest keeps a log subscription open. Only the first subscription failure is fatal; after
// that a failed stream or subscription is retried with capped exponential backoff, starting at
// the new head. Logs emitted in between are not replayed.
func (d *Daemon) ingest(ctx context.Context) error {
	metrics := observability.Events()
	delay := d.retry.min
	subscribed := false
	for {
		stream, err := d.subscriber.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !subscribed {
				return err
			}
			d.logger.Warn("log resubscription failed", slog.Any("error", err), slog.Duration("retry_in", delay))
		} else {
			subscribed = true
			d.ready.SetSubscribed(true)
			metrics.SetSubscriptionActive(true)
			started := time.Now()
			err = d.dispatcher.Run(ctx, stream)
			stream.Close()
			d.ready.SetSubscribed(false)
			metrics.SetSubscriptionActive(false)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			if time.Since(started) > d.retry.max {
				delay = d.retry.min
			}
			d.logger.Warn("log subscription failed; resubscribing", slog.Any("error", err), slog.Duration("retry_in", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > d.retry.max {
			delay = d.retry.max
		}
	}
}

func (d *Daemon) snapshotLoop(ctx context.Context) {
	if d.snapshots == nil {
		return
	}
	ticker := time.NewTicker(d.cfg.Snapshot.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.saveSnapshot(ctx)
		}
	}
}

func (d *Daemon) saveSnapshot(ctx context.Context) {
	if d.snapshots == nil {
		return
	}
	err := storage.SaveSnapshot(ctx, d.snapshots, d.state)
	observability.Bridge().RecordSnapshot(err)
	if err != nil {
		d.logger.Error("snapshot write failed", slog.Any("error", err))
	}
}

// Close releases every opened resource.
func (d *Daemon) Close() {
	if d.client != nil {
		d.client.Close()
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			d.logger.Warn("close ledger", slog.Any("error", err))
		}
	}
	if d.snapshots != nil {
		if err := d.snapshots.Close(); err != nil {
			d.logger.Warn("close snapshot database", slog.Any("error", err))
		}
	}
	if d.closeState != nil {
		if err := d.closeState(); err != nil {
			d.logger.Warn("close state store", slog.Any("error", err))
		}
	}
}
