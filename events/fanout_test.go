package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/coin-ledger/events"
	"github.com/warp/coin-ledger/wallet"
)

type countingPublisher struct {
	n   int
	err error
}

func (c *countingPublisher) Publish(context.Context, wallet.Event) error {
	c.n++
	return c.err
}

func TestFanout_PublishesToAllSinks(t *testing.T) {
	failing := &countingPublisher{err: errors.New("kafka down")}
	ok := &countingPublisher{}

	err := events.Fanout{failing, ok}.Publish(context.Background(), wallet.Event{UserID: "u"})

	assert.ErrorContains(t, err, "kafka down")
	assert.Equal(t, 1, failing.n)
	assert.Equal(t, 1, ok.n, "a failing sink does not starve the others")
}
