package model

import (
	"context"

	"golang.org/x/time/rate"
)

type limitedModel struct {
	next    Model
	limiter *rate.Limiter
}

// RateLimited wraps m so that every Generate call first waits for a token
// from limiter. A cancelled wait is reported on the error channel.
func RateLimited(m Model, limiter *rate.Limiter) Model {
	if m == nil || limiter == nil {
		return m
	}
	return &limitedModel{next: m, limiter: limiter}
}

// NewLimiter returns a token bucket allowing perSecond requests with the
// given burst. A burst below one is raised to one.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (l *limitedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	if err := l.limiter.Wait(ctx); err != nil {
		respCh := make(chan Response)
		errCh := make(chan error, 1)
		errCh <- err
		close(respCh)
		close(errCh)
		return respCh, errCh
	}
	return l.next.Generate(ctx, req)
}

func (l *limitedModel) Info() Info { return l.next.Info() }
