package sinks

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

var sample = crawler.Record{
	Text:   "“<b>Simplicity</b> is the ultimate sophistication.”",
	Author: "Leonardo da Vinci",
	Tags:   []string{"design"},
	Page:   4,
}

func TestDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewDebug(&buf).Consume(context.Background(), sample))
	require.Equal(t,
		"{Text:“<b>Simplicity</b> is the ultimate sophistication.” Author:Leonardo da Vinci Tags:[design] Page:4}\n",
		buf.String())
}

func TestJSONLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewJSONLines(&buf)
	require.NoError(t, sink.Consume(context.Background(), sample))
	require.NoError(t, sink.Consume(context.Background(), crawler.Record{Text: "t", Author: "a", Tags: []string{}, Page: 1}))

	require.Equal(t,
		`{"text":"“<b>Simplicity</b> is the ultimate sophistication.”","author":"Leonardo da Vinci","tags":["design"],"page":4}`+"\n"+
			`{"text":"t","author":"a","tags":[],"page":1}`+"\n",
		buf.String())
}

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) Consume(ctx context.Context, r crawler.Record) error {
	return m.Called(ctx, r).Error(0)
}

func TestMultiStopsAtFirstError(t *testing.T) {
	t.Parallel()

	first := &mockConsumer{}
	first.On("Consume", mock.Anything, sample).Return(nil).Once()
	second := &mockConsumer{}
	second.On("Consume", mock.Anything, sample).Return(errors.New("db down")).Once()
	third := &mockConsumer{}

	err := Multi{first, second, third}.Consume(context.Background(), sample)
	require.EqualError(t, err, "db down")
	first.AssertExpectations(t)
	second.AssertExpectations(t)
	third.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything)
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	require.NoError(t, Discard.Consume(context.Background(), sample))
}
