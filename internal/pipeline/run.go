package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

// Report summarizes a finished run.
type Report struct {
	RunID     string
	Pages     int
	Succeeded int
	Failed    int
	Records   int
	PeakSlots int
	Failures  []*crawler.PageError
	Duration  time.Duration
}

// Run starts the tasks and hands every record to consumer until the stream
// ends. A consumer error or a canceled ctx stops the drain and is returned
// together with the partial report; page failures are reported, not returned.
func (d *Driver) Run(ctx context.Context, consumer crawler.Consumer) (Report, error) {
	if consumer == nil {
		return Report{}, errors.New("consumer is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	stream := d.Start(ctx)
	report := Report{
		RunID: d.runID,
		Pages: d.cfg.Pages.Len(),
	}
	finalize := func() Report {
		report.Failures = stream.Failures()
		report.Failed = len(report.Failures)
		// Outcomes are only known for a fully drained run.
		if stream.State() == StateDone {
			report.Succeeded = report.Pages - report.Failed
		}
		report.PeakSlots = d.pool.Peak()
		report.Duration = time.Since(start)
		return report
	}

	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			stream.Close()
			return finalize(), fmt.Errorf("drain records: %w", err)
		}
		if err := consumer.Consume(ctx, rec); err != nil {
			stream.Close()
			return finalize(), fmt.Errorf("consume record from page %d: %w", rec.Page, err)
		}
		report.Records++
	}

	report = finalize()
	d.logger.Info("run finished",
		zap.Int("pages", report.Pages),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("records", report.Records),
		zap.Int("peak_slots", report.PeakSlots),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}
