// Package pricestream implements the interval-boundary-locked WebSocket
// price feed described in spec.md section 4.1. It follows modo.Client's
// shape - a cached last-known-value behind a mutex, refreshed on a loop,
// read out through small getter methods - but drives the cache from a
// streamed gorilla/websocket connection instead of a polled HTTP endpoint.
package pricestream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pricesync/controller/clock"
	"github.com/pricesync/controller/prices"
)

const (
	boundaryOffset  = 10 * time.Second
	messageTimeout  = 60 * time.Second
	errorBackoff    = 30 * time.Second
	defaultMaxAge   = 360 * time.Second
)

// Health reports the operational status of the stream client.
type Health struct {
	Status       string
	LastUpdateAt time.Time
	FetchCount   int
	ErrorCount   int
	LastError    string
}

// subscribeMessage is sent immediately after connecting, per spec.md section 6.
type subscribeMessage struct {
	Service string `json:"service"`
	Action  string `json:"action"`
	SiteID  string `json:"siteId"`
	Token   string `json:"token"`
}

// priceUpdateMessage is the wire shape of an inbound price-update frame.
type priceUpdateMessage struct {
	Action string `json:"action"`
	Data   struct {
		SiteID string `json:"siteId"`
		Prices []struct {
			ChannelType string  `json:"channelType"` // "general" or "feedIn"
			PerKWh      float64 `json:"perKwh"`
			StartTime   time.Time `json:"startTime"`
			EndTime     time.Time `json:"endTime"`
		} `json:"prices"`
	} `json:"data"`
}

// Client maintains a fresh current-interval PriceSnapshot by connecting to
// the utility's streaming endpoint at each interval boundary.
type Client struct {
	endpoint string
	siteID   string
	tokenFn  func() string

	mu           sync.RWMutex
	cache        prices.PriceSnapshot
	lastUpdateAt time.Time
	fetchCount   int
	errorCount   int
	lastErr      string

	subscribers *clock.Dispatcher[prices.PriceSnapshot]
	logger      *slog.Logger

	stopped chan struct{}
}

// New builds a Client. endpoint is the websocket URL; tokenFn is called
// fresh before every connect attempt (read-through-latest credentials, per spec.md section 5).
func New(endpoint, siteID string, tokenFn func() string) *Client {
	return &Client{
		endpoint:    endpoint,
		siteID:      siteID,
		tokenFn:     tokenFn,
		subscribers: clock.NewDispatcher[prices.PriceSnapshot](),
		logger:      slog.Default().With("component", "pricestream", "site_id", siteID),
		stopped:     make(chan struct{}),
	}
}

// Subscribe registers fn to be invoked exactly once per successful price
// receipt. fn is expected to be cheap; it runs on the stream worker goroutine.
func (c *Client) Subscribe(fn func(prices.PriceSnapshot)) {
	c.subscribers.Subscribe(fn)
}

// Latest returns the cache iff its age is within maxAge (default 360s), per spec.md section 4.1.
func (c *Client) Latest(maxAge time.Duration) (prices.PriceSnapshot, bool) {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastUpdateAt.IsZero() || clock.Now().Sub(c.lastUpdateAt) > maxAge {
		return prices.PriceSnapshot{}, false
	}
	return c.cache, true
}

// Health reports the client's operational status.
func (c *Client) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := "healthy"
	if c.lastUpdateAt.IsZero() {
		status = "never_connected"
	} else if clock.Now().Sub(c.lastUpdateAt) > defaultMaxAge {
		status = "stale"
	}
	return Health{
		Status:       status,
		LastUpdateAt: c.lastUpdateAt,
		FetchCount:   c.fetchCount,
		ErrorCount:   c.errorCount,
		LastError:    c.lastErr,
	}
}

// Run drives the client's dedicated worker loop until ctx is cancelled. It
// is meant to be run on its own goroutine, independently supervised by a
// liveness probe (see EnsureRunning).
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(c.stopped)
			return
		default:
		}

		if err := c.waitForBoundary(ctx); err != nil {
			return // context cancelled while sleeping
		}

		if err := c.connectAndListen(ctx); err != nil {
			c.recordError(err)
			c.logger.Error("price stream connection failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				close(c.stopped)
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

// EnsureRunning restarts the worker (by invoking start) if it has
// exited. isAlive should report whether the worker is believed to
// still be alive (e.g. by checking a "done" channel); start should launch Run on a new goroutine.
func (c *Client) EnsureRunning(isAlive func() bool, start func()) {
	if !isAlive() {
		c.logger.Warn("price stream worker was not running, restarting")
		start()
	}
}

func (c *Client) waitForBoundary(ctx context.Context) error {
	now := clock.Now()
	boundary := clock.NextBoundary(now, 5*time.Minute).Add(boundaryOffset)
	wait := boundary.Sub(now)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *Client) connectAndListen(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := subscribeMessage{
		Service: "pricesync",
		Action:  "subscribe",
		SiteID:  c.siteID,
	}
	if c.tokenFn != nil {
		sub.Token = c.tokenFn()
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	deadline := clock.Now().Add(messageTimeout)
	for clock.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var env struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			continue // malformed frame, skip
		}

		switch env.Action {
		case "subscription-ack":
			continue
		case "price-update":
			var msg priceUpdateMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.logger.Warn("failed to parse price-update message", "error", err)
				continue
			}
			c.applyUpdate(msg)
		}
	}

	return nil
}

func (c *Client) applyUpdate(msg priceUpdateMessage) {
	var snap prices.PriceSnapshot
	now := clock.Now()
	for _, p := range msg.Data.Prices {
		channel := prices.Import
		if p.ChannelType == "feedIn" {
			channel = prices.Export
		}
		point := prices.PricePoint{
			Start:       p.StartTime,
			End:         p.EndTime,
			Channel:     channel,
			PerKWhCents: p.PerKWh,
			Kind:        prices.Current,
		}
		if channel == prices.Import {
			snap.Import = point
		} else {
			snap.Export = point
		}
	}

	c.mu.Lock()
	c.cache = snap
	c.lastUpdateAt = now
	c.fetchCount++
	c.mu.Unlock()

	c.subscribers.Publish(snap)
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.errorCount++
	c.lastErr = err.Error()
	c.mu.Unlock()
}
