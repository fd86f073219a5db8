package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/wallet"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublisher_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, nil)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), wallet.Event{
		Kind:          wallet.EventTransactionCreated,
		UserID:        "alice",
		TransactionID: "tx-1",
		Type:          wallet.TxTip,
		Amount:        -200,
		Balance:       300,
		OccurredAt:    at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "alice", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, "event_kind", msg.Headers[0].Key)
	assert.Equal(t, "transaction.created", string(msg.Headers[0].Value))

	var decoded wallet.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(-200), decoded.Amount)
	assert.Equal(t, wallet.TransactionID("tx-1"), decoded.TransactionID)
}

func TestPublisher_WriteFailure(t *testing.T) {
	p := NewPublisher(&fakeWriter{err: errors.New("no brokers")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, wallet.Event{Kind: wallet.EventHoldPlaced, UserID: "bob"})
	assert.ErrorContains(t, err, "no brokers")
}
