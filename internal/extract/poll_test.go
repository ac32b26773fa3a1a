package extract

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWithRetry_RecoversAfter429(t *testing.T) {
	calls := 0
	send := func(ctx context.Context) (*Response, error) {
		calls++
		if calls < 3 {
			return &Response{Status: http.StatusTooManyRequests}, nil
		}
		return &Response{Status: http.StatusAccepted}, nil
	}
	resp, err := SubmitWithRetry(context.Background(), NewThrottle("t", 0, nil), Backoff{Attempts: 3, Base: time.Millisecond}, nil, "t", send)

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, 3, calls)
}

func TestSubmitWithRetry_Exhausted(t *testing.T) {
	calls := 0
	send := func(ctx context.Context) (*Response, error) {
		calls++
		return &Response{Status: http.StatusTooManyRequests, Body: []byte("quota")}, nil
	}
	_, err := SubmitWithRetry(context.Background(), NewThrottle("t", 0, nil), Backoff{Attempts: 2, Base: time.Millisecond}, nil, "t", send)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "Rate limit exceeded after 2 retries: quota", err.Error())
}

func TestSubmitWithRetry_PassesThroughOtherStatus(t *testing.T) {
	send := func(ctx context.Context) (*Response, error) {
		return &Response{Status: http.StatusBadRequest}, nil
	}
	resp, err := SubmitWithRetry(context.Background(), NewThrottle("t", 0, nil), Backoff{Attempts: 3}, nil, "t", send)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestPollLoop(t *testing.T) {
	loop := PollLoop{Interval: time.Millisecond, MaxPolls: 5}

	n := 0
	err := loop.Run(context.Background(), func(ctx context.Context, attempt int) (PollState, error) {
		n = attempt
		if attempt == 3 {
			return PollDone, nil
		}
		return PollPending, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = loop.Run(context.Background(), func(ctx context.Context, attempt int) (PollState, error) {
		return PollPending, nil
	})
	var pt *PollTimeoutError
	require.ErrorAs(t, err, &pt)
	assert.Equal(t, "Timeout after 5 polls", err.Error())

	boom := errors.New("remote failed")
	err = loop.Run(context.Background(), func(ctx context.Context, attempt int) (PollState, error) {
		return PollPending, boom
	})
	assert.ErrorIs(t, err, boom)
}
