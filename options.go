package relay

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	channel      uint64
	link         Link
	queueWarning int
}

// Option to pass to `Create`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Bus`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Bus.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithChannel sets the channel identifying the Bus in service addresses.
// Peers use it as the target of remote messages so it MUST be unique among
// the buses linked together. A random one is picked when omitted.
func WithChannel(channel uint64) Option {
	return func(c *config) error {
		if channel == 0 {
			return fmt.Errorf("%w: channel 0 is reserved", ErrInvalidChannel)
		}
		c.channel = channel
		return nil
	}
}

// WithLink sets the `Link` used to reach services living on other channels.
// It can be changed later with `Bus.SetLink`.
func WithLink(link Link) Option {
	return func(c *config) error {
		c.link = link
		return nil
	}
}

// WithQueueWarning makes threads log a warning whenever their queue grows
// past `depth` events. Zero disables the warning.
func WithQueueWarning(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("queue warning must be positive, got %d", depth)
		}
		c.queueWarning = depth
		return nil
	}
}

type stubConfig struct {
	limiter *rate.Limiter
}

// StubOption to pass to `Bus.RegisterStub`
type StubOption func(*stubConfig) error

// WithRequestRateLimit bounds how many requests per second the stub
// accepts. Excess requests are answered with `ResultRequestBusy` without
// reaching the handler.
func WithRequestRateLimit(limit rate.Limit, burst int) StubOption {
	return func(c *stubConfig) error {
		if burst <= 0 {
			return fmt.Errorf("burst must be positive, got %d", burst)
		}
		c.limiter = rate.NewLimiter(limit, burst)
		return nil
	}
}
