package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Stats counts points handed to the batcher and batches the server refused.
type Stats struct {
	Queued uint64 `json:"queued"`
	Failed uint64 `json:"failed"`
}

// Client writes mesh telemetry to an InfluxDB v2 bucket. Writes are
// batched and never block; the batcher reports failures asynchronously
// to the SetOnError callback. Safe for concurrent use.
type Client struct {
	client influxdb2.Client
	writer pointWriter

	open      atomic.Bool
	closeOnce sync.Once
	queued    atomic.Uint64
	failed    atomic.Uint64

	cbMu    sync.RWMutex
	onError func(error)
}

// Connect pings the server and sets up the batching writer. A disabled
// config returns ErrDisabled so the service can run without metrics.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).                                //nolint:gosec // G115: positive
		SetFlushInterval(uint(flushInterval(cfg).Milliseconds())) //nolint:gosec // G115: positive
	ic := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, ic); err != nil {
		ic.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	wapi := ic.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(wapi)
	c.client = ic
	go c.watchErrors(wapi.Errors())
	return c, nil
}

func flushInterval(cfg config.InfluxDBConfig) time.Duration {
	if cfg.FlushInterval <= 0 {
		return defaultFlushInterval
	}
	return time.Duration(cfg.FlushInterval) * time.Second
}

func ping(ctx context.Context, ic influxdb2.Client) error {
	ok, err := ic.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("server reports unhealthy")
	}
	return nil
}

func newClient(w pointWriter) *Client {
	c := &Client{writer: w}
	c.open.Store(w != nil)
	return c
}

// watchErrors drains the batcher's error channel until it closes.
func (c *Client) watchErrors(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)
		c.cbMu.RLock()
		fn := c.onError
		c.cbMu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError registers the callback for failed batches.
func (c *Client) SetOnError(fn func(error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

// Stats returns the write counters.
func (c *Client) Stats() Stats {
	return Stats{Queued: c.queued.Load(), Failed: c.failed.Load()}
}

// IsConnected reports whether the client accepts writes.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(pingCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush pushes buffered points out now. No-op once closed.
func (c *Client) Flush() {
	if c.writer == nil || !c.IsConnected() {
		return
	}
	c.writer.Flush()
}

// Close flushes and releases the client. Later writes are dropped.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if !c.open.Swap(false) {
			return
		}
		c.writer.Flush()
		if c.client != nil {
			c.client.Close()
		}
	})
	return nil
}
