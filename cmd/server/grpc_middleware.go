package main

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"tripledger/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

var errRateLimitExceeded = errors.New("rate limit burst exceeded")

// grpcRateLimiter is a token bucket that reports how long each caller waited.
type grpcRateLimiter struct {
	limiter *rate.Limiter
	onWait  func(time.Duration)
	after   func(time.Duration) <-chan time.Time
}

// newGrpcRateLimiter returns nil when interval or burst is zero, which disables limiting.
func newGrpcRateLimiter(interval time.Duration, burst int, onWait func(time.Duration)) *grpcRateLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return &grpcRateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		onWait:  onWait,
		after:   time.After,
	}
}

func (r *grpcRateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	res := r.limiter.Reserve()
	if !res.OK() {
		return errRateLimitExceeded
	}
	wait := res.Delay()
	if wait <= 0 {
		return nil
	}
	if r.onWait != nil {
		r.onWait(wait)
	}
	select {
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	case <-r.after(wait):
		return nil
	}
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			log.Printf("grpc unary %s error after %v: %v", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
