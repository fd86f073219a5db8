// Package events routes committed wallet events to downstream sinks.
package events

import (
	"context"
	"errors"

	"github.com/warp/coin-ledger/wallet"
)

// Fanout publishes every event to all sinks and joins their errors.
type Fanout []wallet.Publisher

func (f Fanout) Publish(ctx context.Context, ev wallet.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
