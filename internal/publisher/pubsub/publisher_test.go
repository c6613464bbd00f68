package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

func newFakeClient(t *testing.T) *pubsub.Client {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "quotes-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConsumePublishesRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newFakeClient(t)
	topic, err := client.CreateTopic(ctx, "quotes")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "quotes-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub, err := New(client, "quotes")
	require.NoError(t, err)
	defer pub.Stop()

	rec := crawler.Record{Text: "“Be yourself.”", Author: "Oscar Wilde", Tags: []string{"attributed"}, Page: 3}
	require.NoError(t, pub.ForRun("run-7").Consume(ctx, rec))

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
			stop()
		})
	}()

	select {
	case msg := <-received:
		var got crawler.Record
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, rec, got)
		assert.Equal(t, "3", msg.Attributes["page"])
		assert.Equal(t, "Oscar Wilde", msg.Attributes["author"])
		assert.Equal(t, "run-7", msg.Attributes["run_id"])
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}

func TestConsumeMissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := New(newFakeClient(t), "does-not-exist")
	require.NoError(t, err)
	defer pub.Stop()

	err = pub.Consume(ctx, crawler.Record{Text: "t", Author: "a", Page: 1})
	require.ErrorContains(t, err, "publish record")
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "quotes")
	require.EqualError(t, err, "pubsub client is required")

	_, err = New(newFakeClient(t), "")
	require.EqualError(t, err, "pubsub.topic_name is required")
}
