// Package pubsub publishes extracted records to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

// Publisher sends each record as a JSON message to one topic.
type Publisher struct {
	topic *pubsub.Topic
	runID string
}

var _ crawler.Consumer = (*Publisher)(nil)

// New binds a Publisher to topicName on client. The caller owns client.
func New(client *pubsub.Client, topicName string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if topicName == "" {
		return nil, errors.New("pubsub.topic_name is required")
	}
	return &Publisher{topic: client.Topic(topicName)}, nil
}

// ForRun returns a publisher that adds a run_id attribute to every message.
func (p *Publisher) ForRun(runID string) *Publisher {
	return &Publisher{topic: p.topic, runID: runID}
}

// Consume publishes record and waits for the server to acknowledge it.
func (p *Publisher) Consume(ctx context.Context, record crawler.Record) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"page":   strconv.Itoa(record.Page),
			"author": record.Author,
		},
	}
	if p.runID != "" {
		msg.Attributes["run_id"] = p.runID
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// Stop flushes pending messages and releases the topic's goroutines.
func (p *Publisher) Stop() {
	if p == nil || p.topic == nil {
		return
	}
	p.topic.Stop()
}
