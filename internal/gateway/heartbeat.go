package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is used when no interval is configured.
const DefaultHeartbeatInterval = 5 * time.Minute

// heartbeat publishes gateway stats on a fixed interval until stopped.
type heartbeat struct {
	g        *Gateway
	interval time.Duration

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newHeartbeat(g *Gateway, interval time.Duration) *heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &heartbeat{
		g:        g,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (h *heartbeat) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop ends the loop and waits for it. Safe to call more than once.
func (h *heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

func (h *heartbeat) loop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// beat publishes one stats snapshot at QoS 0. Failures are logged only.
func (h *heartbeat) beat() {
	g := h.g
	stats := g.Stats()

	if m := g.opts.Metrics; m != nil {
		m.WriteGatewayStats(g.cfg.Name, stats.fields())
	}

	b := g.current()
	if b == nil {
		return
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		g.log().Error("failed to marshal heartbeat", "gateway", g.cfg.Name, "error", err)
		return
	}
	if err := b.Publish(g.topics.Heartbeat(g.cfg.ClientID), payload, 0, false); err != nil {
		g.log().Warn("failed to publish heartbeat", "gateway", g.cfg.Name, "error", err)
	}
}
