package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/metric"
)

// Keepalive pings every session with a live sink on a fixed interval and,
// when an idle timeout is set, closes sessions that have been detached for
// longer than that.
type Keepalive struct {
	transport   *Transport
	interval    time.Duration
	idleTimeout time.Duration
	logger      *logger.Logger
	metrics     *metric.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// KeepaliveOption configures a Keepalive.
type KeepaliveOption func(*Keepalive)

// WithIdleTimeout closes detached sessions idle for longer than d. Zero
// disables the sweep.
func WithIdleTimeout(d time.Duration) KeepaliveOption {
	return func(k *Keepalive) {
		k.idleTimeout = d
	}
}

func WithKeepaliveLogger(l *logger.Logger) KeepaliveOption {
	return func(k *Keepalive) {
		k.logger = l
	}
}

func WithKeepaliveMetrics(m *metric.Metrics) KeepaliveOption {
	return func(k *Keepalive) {
		k.metrics = m
	}
}

// NewKeepalive creates a driver that ticks every interval.
func NewKeepalive(transport *Transport, interval time.Duration, opts ...KeepaliveOption) *Keepalive {
	k := &Keepalive{
		transport: transport,
		interval:  interval,
		logger:    logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.Component("keepalive")
	return k
}

// Start schedules the tick. Calling Start on a running driver is a no-op.
func (k *Keepalive) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return nil
	}
	if k.interval <= 0 {
		return fmt.Errorf("keepalive interval must be positive, got %s", k.interval)
	}

	c := cron.New()
	id, err := c.AddFunc("@every "+k.interval.String(), func() { k.Tick(context.Background()) })
	if err != nil {
		return fmt.Errorf("schedule keepalive: %w", err)
	}
	c.Start()
	k.cron, k.entryID = c, id
	k.logger.Info("keepalive started", "interval", k.interval, "idle_timeout", k.idleTimeout)
	return nil
}

// Stop unschedules the tick and waits for a running one to finish.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	c := k.cron
	k.cron = nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	c.Remove(k.entryID)
	<-c.Stop().Done()
	k.logger.Info("keepalive stopped")
}

// Tick runs one keep-alive round. It returns the number of sessions pinged.
func (k *Keepalive) Tick(ctx context.Context) int {
	pinged := 0
	for _, id := range k.transport.ActiveSessionIDs() {
		if k.transport.SendPing(id) {
			pinged++
		}
	}
	if k.idleTimeout > 0 {
		k.transport.CloseIdleSessions(ctx, k.idleTimeout)
	}

	k.metrics.SetSessions(k.transport.Registry().GetStatistics().TotalSessions)
	k.metrics.SetSinks(len(k.transport.ActiveSessionIDs()))
	k.logger.Debug("keepalive tick", "pinged", pinged)
	return pinged
}
