package network

import (
	"time"

	"go.uber.org/zap"

	"github.com/wisp-net/wisp/metrics"
)

const (
	// QueryTimeout is how long an outstanding request waits for a reply.
	QueryTimeout = 2000 * time.Millisecond
	// TokenLifetime is the interval between token-secret rotations.
	TokenLifetime = 300000 * time.Millisecond
	// TokenQueueLen is how many token secrets are kept; a handed-out
	// token survives TokenQueueLen-1 rotations.
	TokenQueueLen = 3
	// UDPMailboxSize is how many datagrams the reader delivers before it
	// waits for the correlator to drain them.
	UDPMailboxSize = 16
	// TagRetries bounds the search for an unused transaction tag toward
	// one endpoint.
	TagRetries = 16
)

type config struct {
	queryTimeout  time.Duration
	tokenLifetime time.Duration
	tagRetries    int
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*config)

func configDefaults() Option {
	return func(c *config) {
		c.queryTimeout = QueryTimeout
		c.tokenLifetime = TokenLifetime
		c.tagRetries = TagRetries
		c.logger = zap.NewNop()
		c.metrics = nil
	}
}

func WithTagRetries(n int) Option {
	return func(c *config) {
		c.tagRetries = n
	}
}

func WithQueryTimeout(duration time.Duration) Option {
	return func(c *config) {
		c.queryTimeout = duration
	}
}

func WithTokenLifetime(duration time.Duration) Option {
	return func(c *config) {
		c.tokenLifetime = duration
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}
