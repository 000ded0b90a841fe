package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from model.Status
		ev   Event
		to   model.Status
	}{
		{model.StatusReceived, EventNormalized, model.StatusNormalized},
		{model.StatusNormalized, EventSegmented, model.StatusSegmented},
		{model.StatusSegmented, EventModerated, model.StatusModerated},
		{model.StatusModerated, EventPIIScanned, model.StatusPIIChecked},
		{model.StatusPIIChecked, EventTokenIssued, model.StatusAwaitingAdmin},
		{model.StatusPIIChecked, EventAutoPublished, model.StatusPublished},
		{model.StatusPIIChecked, EventAutoRejected, model.StatusRejected},
		{model.StatusAwaitingAdmin, EventAdminApproved, model.StatusApproved},
		{model.StatusAwaitingAdmin, EventAdminRejected, model.StatusRejected},
		{model.StatusAwaitingAdmin, EventTimedOut, model.StatusExpired},
		{model.StatusApproved, EventPublished, model.StatusPublished},
		{model.StatusSegmented, EventFailed, model.StatusFailed},
		{model.StatusApproved, EventFailed, model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			to, err := Next(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestNextRejectsIllegalEvents(t *testing.T) {
	illegal := []struct {
		from model.Status
		ev   Event
	}{
		{model.StatusNormalized, EventModerated},
		{model.StatusAwaitingAdmin, EventPublished},
		{model.StatusPIIChecked, EventAdminApproved},
		{model.StatusExpired, EventAdminApproved},
		{model.StatusRejected, EventPublished},
		{model.StatusPublished, EventFailed},
		{model.StatusFailed, EventFailed},
	}
	for _, tt := range illegal {
		_, err := Next(tt.from, tt.ev)
		assert.ErrorIs(t, err, ErrIllegalTransition, "%s on %s", tt.ev, tt.from)
	}
}

func TestNothingPublishesFromRejectedOrExpired(t *testing.T) {
	for _, from := range []model.Status{model.StatusRejected, model.StatusExpired} {
		for _, ev := range []Event{EventPublished, EventAutoPublished, EventAdminApproved} {
			_, err := Next(from, ev)
			assert.Error(t, err)
		}
	}
}

func TestRetrierStopsOnPermanent(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 5, Initial: time.Millisecond, Max: time.Millisecond}, nil, nil)
	calls := 0
	err := r.Do(context.Background(), "step", func(ctx context.Context) error {
		calls++
		return errors.Join(ErrPermanent, errors.New("bad input"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, calls)
}

func TestRetrierBoundsAttempts(t *testing.T) {
	retried := 0
	r := NewRetrier(RetryPolicy{MaxAttempts: 4, Initial: time.Millisecond, Max: time.Millisecond}, nil, func(string) { retried++ })
	calls := 0
	err := r.Do(context.Background(), "step", func(ctx context.Context) error {
		calls++
		return errUnavailable
	})
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retried)
}
