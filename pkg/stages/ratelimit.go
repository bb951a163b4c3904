package stages

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/internal/ratelimiter"
	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// What the ratelimit stage does with an over-limit datagram.
const (
	OnLimitDrop  = "drop"
	OnLimitDefer = "defer"
)

// RateLimitOptions configures the ratelimit stage.
type RateLimitOptions struct {
	// Rate is the sustained datagrams per second per sender. 0 disables limiting.
	Rate uint `mapstructure:"rate"`

	// Burst is the bucket size. 0 means Rate.
	Burst uint `mapstructure:"burst"`

	// MaxSenders bounds the number of tracked senders. Default: 4096
	MaxSenders int `mapstructure:"max_senders"`

	// OnLimit is "drop" (default) or "defer". Deferred datagrams are recycled
	// and wait for a token, bounded by the recycled read timeout.
	OnLimit string `mapstructure:"on_limit"`
}

// RateLimit throttles senders with one token bucket per source IP.
type RateLimit struct {
	name string

	mu      sync.RWMutex
	limiter *ratelimiter.RateLimiter
	onLimit string
	opts    RateLimitOptions
}

// NewRateLimit is the ratelimit stage factory.
func NewRateLimit(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
	opts, err := decodeRateLimitOptions(def)
	if err != nil {
		return nil, err
	}
	return &RateLimit{
		name:    def.Name,
		limiter: ratelimiter.New(opts.Rate, opts.Burst, opts.MaxSenders),
		onLimit: opts.OnLimit,
		opts:    opts,
	}, nil
}

func decodeRateLimitOptions(def pipeline.Definition) (RateLimitOptions, error) {
	opts := RateLimitOptions{OnLimit: OnLimitDrop}
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return opts, err
	}
	if opts.OnLimit != OnLimitDrop && opts.OnLimit != OnLimitDefer {
		return opts, fmt.Errorf("ratelimit: on_limit must be %q or %q, got %q", OnLimitDrop, OnLimitDefer, opts.OnLimit)
	}
	if opts.MaxSenders < 0 {
		return opts, fmt.Errorf("ratelimit: max_senders must not be negative")
	}
	return opts, nil
}

func (r *RateLimit) Name() string { return r.name }
func (r *RateLimit) Type() string { return TypeRateLimit }

// Reconfigure applies new limits while keeping the per-sender buckets. A
// change of max_senders starts over with an empty table.
func (r *RateLimit) Reconfigure(_ context.Context, def pipeline.Definition, _ pipeline.Env) (func(), error) {
	opts, err := decodeRateLimitOptions(def)
	if err != nil {
		return nil, err
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if opts.MaxSenders != r.opts.MaxSenders {
			r.limiter = ratelimiter.New(opts.Rate, opts.Burst, opts.MaxSenders)
		} else {
			r.limiter.SetLimit(opts.Rate, opts.Burst)
		}
		r.onLimit = opts.OnLimit
		r.opts = opts
	}, nil
}

func (r *RateLimit) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	r.mu.RLock()
	limiter, onLimit := r.limiter, r.onLimit
	r.mu.RUnlock()

	key := senderKey(c.Sender())

	if c.Recycled() && onLimit == OnLimitDefer {
		waitCtx, cancel := withDeadline(ctx, c)
		err := limiter.Wait(waitCtx, key)
		cancel()
		if err != nil {
			logger.Debug("[%s] rate limit: %s still over limit after deferral: %v", c.ID(), key, err)
			return false, nil
		}
		return chain.Next(ctx, c)
	}

	if limiter.Allow(key) {
		return chain.Next(ctx, c)
	}

	if onLimit == OnLimitDefer && c.Recycle() {
		logger.Debug("[%s] rate limit: deferring datagram from %s", c.ID(), key)
		return true, nil
	}

	logger.Debug("[%s] rate limit: dropping datagram from %s", c.ID(), key)
	return false, nil
}

// Senders returns the number of tracked senders.
func (r *RateLimit) Senders() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Len()
}

func senderKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.IP.String()
}
