package upstream

import (
	"context"
	"sync"
	"time"
)

// controller drives one connection's post-connect handshake and keepalive
// pings (spec §4.C): login once, then re-arm a ping on its own schedule
// until the connection it was built for goes away.
type controller struct {
	client *Client

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newController(c *Client) *controller {
	return &controller{client: c}
}

func (ctl *controller) start() {
	go ctl.login()
}

func (ctl *controller) stop() {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.stopped = true
	if ctl.timer != nil {
		ctl.timer.Stop()
	}
}

func (ctl *controller) login() {
	c := ctl.client
	params := []string{c.wallet, c.email}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_, err := c.Rpc(ctx, "eth_submitLogin", params, c.clientID)
	if err != nil {
		c.log.Debugf("%s login: %v", c.name, err)
	} else {
		c.log.Infof("%s logged in as %s", c.name, c.clientID)
	}

	ctl.schedulePing(0)
}

func (ctl *controller) schedulePing(delay time.Duration) {
	ctl.mu.Lock()
	if ctl.stopped {
		ctl.mu.Unlock()
		return
	}
	ctl.timer = time.AfterFunc(delay, ctl.ping)
	ctl.mu.Unlock()
}

func (ctl *controller) ping() {
	c := ctl.client

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if _, err := c.Rpc(ctx, "eth_getWork", []string{}, ""); err != nil {
		c.log.Debugf("%s ping: %v", c.name, err)
	}

	ctl.schedulePing(c.pingPeriod)
}

// idleTimeout is the process-wide quiet period after which the watchdog
// logs an error and calls Reconnect on every currently disconnected
// upstream (spec §4.C, §9). Reconnect only closes a live connection, so
// that call does not cut short a disconnected client's dial backoff; the
// client's own dial loop is what redials it.
const idleTimeout = 180 * time.Second

// Watchdog is the single process-wide idle timer shared by every
// registered upstream: "healthy" means at least one upstream produced
// traffic recently, not that each one individually did.
type Watchdog struct {
	mu        sync.Mutex
	timer     *time.Timer
	upstreams []*Client
	log       interface{ Errorf(string, ...interface{}) }
}

// NewWatchdog builds a Watchdog and arms its first idle timer.
func NewWatchdog(log interface{ Errorf(string, ...interface{}) }) *Watchdog {
	w := &Watchdog{log: log}
	w.timer = time.AfterFunc(idleTimeout, w.onExpire)
	return w
}

// Register adds c to the set reconnected on idle expiry.
func (w *Watchdog) Register(c *Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.upstreams = append(w.upstreams, c)
}

// Kick resets the idle timer; called on any inbound line from any
// registered upstream.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Reset(idleTimeout)
}

func (w *Watchdog) onExpire() {
	w.mu.Lock()
	upstreams := append([]*Client(nil), w.upstreams...)
	w.mu.Unlock()

	w.log.Errorf("idle watchdog expired after %s with no upstream traffic", idleTimeout)
	for _, c := range upstreams {
		if !c.IsConnected() {
			c.Reconnect()
		}
	}

	w.mu.Lock()
	w.timer.Reset(idleTimeout)
	w.mu.Unlock()
}

// Stop releases the watchdog's timer.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Stop()
}
