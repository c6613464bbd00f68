// Package pipeline drives one crawl run: it spawns a task per page index,
// bounds their work with a task pool, and merges the extracted records into
// a single stream that ends once every task has finished.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotes-crawler/internal/aggregate"
	"github.com/JakeFAU/quotes-crawler/internal/archive"
	"github.com/JakeFAU/quotes-crawler/internal/crawler"
	"github.com/JakeFAU/quotes-crawler/internal/id/uuid"
	"github.com/JakeFAU/quotes-crawler/internal/metrics"
	"github.com/JakeFAU/quotes-crawler/internal/pool"
)

// ErrEndOfStream is returned by Stream.Next once every record has been delivered.
var ErrEndOfStream = errors.New("end of stream")

// Config controls a run.
type Config struct {
	Pages    crawler.PageRange
	Capacity int
	// Strict drops every record of a page that has a malformed container.
	Strict bool
	// Site labels metrics; usually the base URL.
	Site string
}

// Option customizes a Driver.
type Option func(*Driver)

// WithArchiver stores the raw markup of every fetched page.
func WithArchiver(a *archive.Archiver) Option {
	return func(d *Driver) {
		d.archiver = a
	}
}

// WithPool replaces the pool built from Config.Capacity.
func WithPool(p *pool.Pool) Option {
	return func(d *Driver) {
		d.pool = p
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(d *Driver) {
		d.runID = id
	}
}

// Driver owns the collaborators of a run.
type Driver struct {
	cfg       Config
	fetcher   crawler.PageFetcher
	extractor crawler.Extractor
	archiver  *archive.Archiver
	pool      *pool.Pool
	logger    *zap.Logger
	runID     string
}

// New validates cfg and builds a Driver.
func New(
	cfg Config,
	fetcher crawler.PageFetcher,
	extractor crawler.Extractor,
	logger *zap.Logger,
	opts ...Option,
) (*Driver, error) {
	if fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if cfg.Pages.First < 1 {
		return nil, fmt.Errorf("first page must be >= 1, got %d", cfg.Pages.First)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		capacity := cfg.Capacity
		if capacity == 0 {
			capacity = pool.DefaultCapacity
		}
		p, err := pool.New(capacity, pool.WithObserver(metrics.SetSlotsInUse))
		if err != nil {
			return nil, fmt.Errorf("build task pool: %w", err)
		}
		d.pool = p
	}
	if d.runID == "" {
		id, err := uuid.NewRunID()
		if err != nil {
			return nil, err
		}
		d.runID = id
	}
	d.logger = d.logger.With(zap.String("run_id", d.runID))
	return d, nil
}

// RunID identifies the run in logs, archive paths and reports.
func (d *Driver) RunID() string {
	return d.runID
}

// Pool exposes the task pool for instrumentation.
func (d *Driver) Pool() *pool.Pool {
	return d.pool
}

// Start spawns one task per page and returns the stream of their records.
// Tasks run independently of the caller; they stop early only when ctx is
// canceled or the stream is closed.
func (d *Driver) Start(ctx context.Context) *Stream {
	recordTx, recordRx := aggregate.New[crawler.Record]()
	failureTx, failureRx := aggregate.New[*crawler.PageError]()

	s := &Stream{
		runID:    d.runID,
		records:  recordRx,
		failures: failureRx,
		logger:   d.logger,
	}
	s.state.Store(int32(StateSpawning))

	indices := d.cfg.Pages.Indices()
	d.logger.Info("spawning page tasks",
		zap.Int("pages", len(indices)),
		zap.Int("capacity", d.pool.Capacity()),
		zap.Bool("strict", d.cfg.Strict),
	)
	for _, index := range indices {
		// Clone cannot fail here: the driver's own senders are still open.
		records, _ := recordTx.Clone()
		failures, _ := failureTx.Clone()
		go d.runTask(ctx, index, records, failures)
	}

	recordTx.Close()
	failureTx.Close()
	s.state.Store(int32(StateDraining))
	return s
}

func (d *Driver) runTask(
	ctx context.Context,
	index int,
	records *aggregate.Sender[crawler.Record],
	failures *aggregate.Sender[*crawler.PageError],
) {
	// Failures close first so they are complete once records end.
	defer records.Close()
	defer failures.Close()

	var (
		pc      panics.Catcher
		pageErr *crawler.PageError
	)
	pc.Try(func() {
		pageErr = d.processPage(ctx, index, records)
	})
	if r := pc.Recovered(); r != nil {
		pageErr = &crawler.PageError{Page: index, Stage: crawler.StagePanic, Err: r.AsError()}
	}
	if pageErr == nil {
		return
	}

	d.logger.Warn("page failed",
		zap.Int("page", index),
		zap.String("url", pageErr.URL),
		zap.String("stage", string(pageErr.Stage)),
		zap.Int("records", pageErr.Delivered),
		zap.Error(pageErr.Err),
	)
	outcome := metrics.OutcomeFailed
	if pageErr.Delivered > 0 {
		outcome = metrics.OutcomePartial
	}
	metrics.ObservePage(d.cfg.Site, outcome, pageErr.Delivered)
	if err := failures.Send(pageErr); err != nil && !errors.Is(err, aggregate.ErrReceiverClosed) {
		d.logger.Error("report page failure", zap.Int("page", index), zap.Error(err))
	}
}

func (d *Driver) processPage(
	ctx context.Context,
	index int,
	records *aggregate.Sender[crawler.Record],
) *crawler.PageError {
	var (
		admitted bool
		pageErr  *crawler.PageError
	)
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		admitted = true
		pageErr = d.fetchAndExtract(ctx, index, records)
		return nil
	})
	if err != nil && !admitted {
		return &crawler.PageError{Page: index, Stage: crawler.StageAdmission, Err: err}
	}
	return pageErr
}

func (d *Driver) fetchAndExtract(
	ctx context.Context,
	index int,
	records *aggregate.Sender[crawler.Record],
) *crawler.PageError {
	start := time.Now()
	page, err := d.fetcher.Fetch(ctx, index)
	if err != nil {
		pe := &crawler.PageError{Page: index, Stage: crawler.StageFetch, Err: err}
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			pe.URL = fe.URL
		}
		return pe
	}

	if d.archiver != nil {
		uri, archiveErr := d.archiver.Archive(ctx, d.runID, page)
		if archiveErr != nil {
			metrics.IncArchiveFailures()
			d.logger.Warn("archive page failed", zap.Int("page", index), zap.Error(archiveErr))
		} else {
			d.logger.Debug("page archived", zap.Int("page", index), zap.String("uri", uri))
		}
	}

	extracted, extractErr := d.extractor.Extract(page.Body)
	if extractErr != nil && d.cfg.Strict {
		extracted = nil
	}

	delivered := 0
	for _, rec := range extracted {
		rec.Page = index
		if err := records.Send(rec); err != nil {
			// The consumer has gone away; nothing left to deliver to.
			d.logger.Debug("record dropped", zap.Int("page", index), zap.Error(err))
			break
		}
		delivered++
	}

	if extractErr != nil {
		return &crawler.PageError{
			Page:      index,
			URL:       page.URL,
			Stage:     crawler.StageExtract,
			Delivered: delivered,
			Err:       extractErr,
		}
	}
	metrics.ObservePage(d.cfg.Site, metrics.OutcomeSuccess, delivered)
	d.logger.Debug("page processed",
		zap.Int("page", index),
		zap.String("url", page.URL),
		zap.Int("records", delivered),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// State is the lifecycle phase of a run.
type State int32

// Run states.
const (
	StateSpawning State = iota
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stream yields the records of a run in arrival order. It is intended for
// a single consuming goroutine.
type Stream struct {
	runID    string
	records  *aggregate.Receiver[crawler.Record]
	failures *aggregate.Receiver[*crawler.PageError]
	logger   *zap.Logger
	state    atomic.Int32

	finishOnce sync.Once
	collected  []*crawler.PageError
}

// RunID identifies the run that produced the stream.
func (s *Stream) RunID() string {
	return s.runID
}

// State reports the current lifecycle phase.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Next returns the next record, ErrEndOfStream once every task has finished
// and all records were delivered, or the context error.
func (s *Stream) Next(ctx context.Context) (crawler.Record, error) {
	rec, err := s.records.Recv(ctx)
	if errors.Is(err, aggregate.ErrClosed) {
		s.finish()
		return crawler.Record{}, ErrEndOfStream
	}
	if err != nil {
		return crawler.Record{}, fmt.Errorf("next record: %w", err)
	}
	return rec, nil
}

func (s *Stream) finish() {
	s.finishOnce.Do(func() {
		// Every failure sender is closed before its record sender, so this
		// never blocks.
		for {
			pe, err := s.failures.Recv(context.Background())
			if err != nil {
				break
			}
			s.collected = append(s.collected, pe)
		}
		sort.Slice(s.collected, func(i, j int) bool {
			return s.collected[i].Page < s.collected[j].Page
		})
		s.state.Store(int32(StateDone))
	})
}

// Failures returns every page failure, ordered by page. It is complete only
// after Next has returned ErrEndOfStream.
func (s *Stream) Failures() []*crawler.PageError {
	if s.State() != StateDone {
		return nil
	}
	out := make([]*crawler.PageError, len(s.collected))
	copy(out, s.collected)
	return out
}

// Close abandons the stream. Tasks still running discard their records.
func (s *Stream) Close() {
	s.records.Close()
	s.failures.Close()
}
