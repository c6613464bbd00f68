// Package sinks provides record consumers that write to local outputs.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

// Debug writes one %+v line per record.
type Debug struct {
	mu sync.Mutex
	w  io.Writer
}

// NewDebug builds a Debug sink writing to w.
func NewDebug(w io.Writer) *Debug {
	return &Debug{w: w}
}

// Consume implements crawler.Consumer.
func (d *Debug) Consume(_ context.Context, r crawler.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := fmt.Fprintf(d.w, "%+v\n", r); err != nil {
		return fmt.Errorf("write debug record: %w", err)
	}
	return nil
}

// JSONLines writes one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines builds a JSONLines sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLines{enc: enc}
}

// Consume implements crawler.Consumer.
func (j *JSONLines) Consume(_ context.Context, r crawler.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return nil
}

// Multi fans each record out to every consumer in order and stops at the
// first error.
type Multi []crawler.Consumer

// Consume implements crawler.Consumer.
func (m Multi) Consume(ctx context.Context, r crawler.Record) error {
	for _, c := range m {
		if err := c.Consume(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops every record.
var Discard crawler.Consumer = crawler.ConsumerFunc(func(context.Context, crawler.Record) error { return nil })
