package batteryfacade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pricesync/controller/prices"
)

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return prices.NewError(prices.ErrPermanent, errors.New("bad request"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return prices.NewError(prices.ErrTransient, errors.New("timeout"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_GivesUpAfterAllAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return prices.NewError(prices.ErrTransient, errors.New("still down"))
	})
	assert.Error(t, err)
	assert.Equal(t, len(retryBackoffs)+1, calls)
}
