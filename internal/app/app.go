// Package app builds the crawler's long-lived services from configuration and
// owns their shutdown.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotes-crawler/internal/archive"
	"github.com/JakeFAU/quotes-crawler/internal/config"
	"github.com/JakeFAU/quotes-crawler/internal/crawler"
	"github.com/JakeFAU/quotes-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/quotes-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/quotes-crawler/internal/logging"
	"github.com/JakeFAU/quotes-crawler/internal/pipeline"
	"github.com/JakeFAU/quotes-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/quotes-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/quotes-crawler/internal/server"
	"github.com/JakeFAU/quotes-crawler/internal/sinks"
	gcsstorage "github.com/JakeFAU/quotes-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/quotes-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/quotes-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/quotes-crawler/internal/storage/postgres"
)

// Option customizes Build.
type Option func(*App)

// WithLogger uses logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithStdout sends debug and json record output to w instead of os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(a *App) {
		a.stdout = w
	}
}

// WithConsumer adds c after the configured sinks.
func WithConsumer(c crawler.Consumer) Option {
	return func(a *App) {
		a.extra = append(a.extra, c)
	}
}

// App contains the dependencies of one crawl run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	stdout io.Writer
	extra  []crawler.Consumer

	driver    *pipeline.Driver
	consumer  crawler.Consumer
	consumed  atomic.Int64
	archive   crawler.BlobStore
	opsServer *server.Server

	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	quoteStore   *pgstore.QuoteStore
}

// Build validates cfg and wires the fetcher, extractor, archive, sinks and
// ops server. Resources acquired before a failure are released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfg: cfg, stdout: os.Stdout}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		a.logger = logger
	}

	if err := a.build(ctx); err != nil {
		if cerr := a.Close(context.Background()); cerr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
		Burst:             a.cfg.HTTP.Burst,
	})
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:       a.cfg.Site.BaseURL,
		PathTemplate:  a.cfg.Site.PathTemplate,
		UserAgent:     a.cfg.Site.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.Timeout(),
		MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
	}, limiter, a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}

	extractor, err := extract.New(a.cfg.Selectors())
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}

	opts := []pipeline.Option{}
	archiver, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	if archiver != nil {
		opts = append(opts, pipeline.WithArchiver(archiver))
	}

	a.driver, err = pipeline.New(pipeline.Config{
		Pages:    a.cfg.Pages(),
		Capacity: a.cfg.Pool.Capacity,
		Strict:   a.cfg.Extract.Strict,
		Site:     a.cfg.Site.BaseURL,
	}, fetcher, extractor, a.logger.Named("pipeline"), opts...)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	if err := a.setupSinks(ctx); err != nil {
		return err
	}

	if a.cfg.Metrics.Addr != "" {
		a.opsServer = server.New(a.logger.Named("ops"), a.status)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	var err error
	switch a.cfg.Archive.Provider {
	case config.ArchiveGCS:
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.archive, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.ArchiveLocal:
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.BaseDir))
		a.archive, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.ArchiveMemory:
		a.logger.Info("using in-memory archive")
		a.archive = memorystorage.NewBlobStore()
	default:
		a.logger.Debug("page archiving disabled")
		return nil, nil
	}
	archiver, err := archive.New(a.archive, a.cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func (a *App) setupSinks(ctx context.Context) error {
	var consumers sinks.Multi
	switch a.cfg.Output.Format {
	case config.FormatDebug:
		consumers = append(consumers, sinks.NewDebug(a.stdout))
	case config.FormatJSON:
		consumers = append(consumers, sinks.NewJSONLines(a.stdout))
	}

	runID := a.driver.RunID()
	if a.cfg.DB.DSN != "" {
		store, err := pgstore.NewQuoteStore(ctx, pgstore.QuoteStoreConfig{
			DSN:   a.cfg.DB.DSN,
			Table: a.cfg.DB.Table,
		})
		if err != nil {
			return fmt.Errorf("quote store init failed: %w", err)
		}
		a.quoteStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("quote store schema: %w", err)
		}
		consumers = append(consumers, store.ForRun(runID))
		a.logger.Info("quote store initialized", zap.String("table", a.cfg.DB.Table))
	}

	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher, err = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		consumers = append(consumers, a.publisher.ForRun(runID))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	consumers = append(consumers, a.extra...)
	if len(consumers) == 0 {
		a.consumer = sinks.Discard
	} else {
		a.consumer = consumers
	}
	return nil
}

// RunStatus is served on the ops server's /v1/run.
type RunStatus struct {
	RunID     string `json:"run_id"`
	Capacity  int    `json:"capacity"`
	InUse     int    `json:"in_use"`
	PeakSlots int    `json:"peak_slots"`
	Records   int64  `json:"records"`
}

func (a *App) status() any {
	p := a.driver.Pool()
	return RunStatus{
		RunID:     a.driver.RunID(),
		Capacity:  p.Capacity(),
		InUse:     p.InUse(),
		PeakSlots: p.Peak(),
		Records:   a.consumed.Load(),
	}
}

// RunID identifies the run this App drives.
func (a *App) RunID() string {
	return a.driver.RunID()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Archive returns the configured archive store, or nil when archiving is off.
func (a *App) Archive() crawler.BlobStore {
	return a.archive
}

// OpsAddr returns the ops server's listening address once Run has started it.
func (a *App) OpsAddr() string {
	if a.opsServer == nil {
		return ""
	}
	return a.opsServer.Addr()
}

// Run crawls the configured pages and delivers every record to the sinks.
// Page failures are logged and reported; only sink failures, setup failures
// and cancellation are returned.
func (a *App) Run(ctx context.Context) (pipeline.Report, error) {
	if a.opsServer != nil && a.opsServer.Addr() == "" {
		if err := a.opsServer.Start(a.cfg.Metrics.Addr); err != nil {
			return pipeline.Report{}, fmt.Errorf("start ops server: %w", err)
		}
	}

	counting := crawler.ConsumerFunc(func(ctx context.Context, r crawler.Record) error {
		if err := a.consumer.Consume(ctx, r); err != nil {
			return err
		}
		a.consumed.Add(1)
		return nil
	})

	report, err := a.driver.Run(ctx, counting)
	for _, pe := range report.Failures {
		a.logger.Warn("page failure",
			zap.String("run_id", report.RunID),
			zap.Int("page", pe.Page),
			zap.String("url", pe.URL),
			zap.String("stage", string(pe.Stage)),
			zap.Int("records", pe.Delivered),
			zap.Error(pe.Err),
		)
	}
	if err != nil {
		return report, fmt.Errorf("run crawl: %w", err)
	}
	return report, nil
}

// Close releases every client the App acquired and stops the ops server.
func (a *App) Close(ctx context.Context) error {
	var errs error
	if a.opsServer != nil {
		errs = multierr.Append(errs, a.opsServer.Shutdown(ctx))
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.quoteStore != nil {
		a.quoteStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		// Syncing stderr fails on some terminals; not worth surfacing.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errs
}
