// Package upstream implements components B and C: a reconnecting Stratum
// client per configured pool (dial, backoff, socket tuning, lifecycle
// signals, RPC send) and the per-connection session controller that drives
// its login handshake and keepalive pings.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eacred/slog"

	"github.com/eth-proxy/ethproxy/internal/jsonrpcline"
	"github.com/eth-proxy/ethproxy/internal/onesignal"
	"github.com/eth-proxy/ethproxy/internal/proxyerr"
	"github.com/eth-proxy/ethproxy/internal/registry"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	connectTimeout = 30 * time.Second

	keepaliveIdle = 120 * time.Second
)

// JobHandler is invoked with the raw params of every eth_getWork
// notification the client receives, i.e. every line without an id or with
// id 0 (spec §4.A, §4.B). Replies to the controller's own eth_getWork
// pings carry an id, resolve their pending request and are not passed
// here.
type JobHandler func(c *Client, params []string)

// Client is one reconnecting TCP connection to a pool. It implements
// registry.UpstreamState structurally.
type Client struct {
	name       string
	host       string
	port       int
	isFailover bool
	pingPeriod time.Duration

	wallet   string
	email    string
	clientID string

	debug bool
	log   slog.Logger

	onJob JobHandler
	kick  func() // notifies the process-wide idle watchdog of inbound traffic

	connMu    sync.RWMutex
	conn      net.Conn
	codec     *jsonrpcline.Codec
	connected int32 // atomic bool

	connectSig    *onesignal.Signal
	disconnectSig *onesignal.Signal

	stop   chan struct{}
	closed int32
}

// Config is the per-upstream dial and identity configuration supplied by
// the orchestrator (spec §4.B, §6.3).
type Config struct {
	Name       string
	Host       string
	Port       int
	IsFailover bool
	PingPeriod time.Duration // 5s primary, 30s failover (spec §4.C)

	Wallet   string
	Email    string
	ClientID string // "Proxy_<version>[_debug]"

	Debug bool
	Log   slog.Logger

	OnJob JobHandler
	Kick  func()
}

// New builds a Client in the disconnected state. Call Start to begin
// dialing.
func New(cfg Config) *Client {
	return &Client{
		name:          cfg.Name,
		host:          cfg.Host,
		port:          cfg.Port,
		isFailover:    cfg.IsFailover,
		pingPeriod:    cfg.PingPeriod,
		wallet:        cfg.Wallet,
		email:         cfg.Email,
		clientID:      cfg.ClientID,
		debug:         cfg.Debug,
		log:           cfg.Log,
		onJob:         cfg.OnJob,
		kick:          cfg.Kick,
		connectSig:    onesignal.New(),
		disconnectSig: onesignal.New(),
		stop:          make(chan struct{}),
	}
}

func (c *Client) Name() string     { return c.name }
func (c *Client) Host() string     { return c.host }
func (c *Client) Port() int        { return c.port }
func (c *Client) IsFailover() bool { return c.isFailover }
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// RemoteIP is the dialed address's IP, for the status page. Empty while
// disconnected.
func (c *Client) RemoteIP() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil {
		return ""
	}
	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return c.conn.RemoteAddr().String()
	}
	return addr.IP.String()
}

// OnConnect returns the channel for the next successful connection.
func (c *Client) OnConnect() <-chan struct{} { return c.connectSig.Wait() }

// OnDisconnect returns the channel for the next transport loss.
func (c *Client) OnDisconnect() <-chan struct{} { return c.disconnectSig.Wait() }

// Rpc sends method/params upstream and waits for the correlated reply, or
// ctx cancellation, or transport loss. Returns KindNotConnected
// synchronously if the client has no live connection.
func (c *Client) Rpc(ctx context.Context, method string, params interface{}, worker string) (json.RawMessage, error) {
	c.connMu.RLock()
	codec := c.codec
	c.connMu.RUnlock()
	if codec == nil {
		return nil, proxyerr.New(proxyerr.KindNotConnected, c.name+" is not connected")
	}

	ch, err := codec.SendRequest(method, params, worker)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start launches the dial loop in a background goroutine. It returns
// immediately; use OnConnect to learn when the first connection succeeds.
func (c *Client) Start() {
	go c.dialLoop()
}

// Stop ends the dial loop and closes any live connection.
func (c *Client) Stop() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	close(c.stop)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// Reconnect forces the current connection closed, if any, triggering the
// dial loop's backoff-and-retry path. A no-op while already disconnected
// (spec §9's idle watchdog only reconnects disconnected upstreams).
func (c *Client) Reconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) dialLoop() {
	backoff := initialBackoff
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.host, c.port), connectTimeout)
		if err != nil {
			c.log.Warnf("%s dial failed: %v", c.name, err)
			if !c.sleepBackoff(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		tuneSocket(conn)
		backoff = initialBackoff

		c.connMu.Lock()
		c.conn = conn
		c.codec = jsonrpcline.New(conn, c.debug, c.log)
		c.connMu.Unlock()
		atomic.StoreInt32(&c.connected, 1)

		c.log.Infof("%s connected to %s:%d", c.name, c.host, c.port)
		c.connectSig.Fire()

		controller := newController(c)
		controller.start()

		c.readLoop()

		controller.stop()
		atomic.StoreInt32(&c.connected, 0)
		c.connMu.Lock()
		c.codec.Abort(proxyerr.New(proxyerr.KindTransport, c.name+" disconnected"))
		c.conn = nil
		c.codec = nil
		c.connMu.Unlock()

		c.log.Warnf("%s disconnected", c.name)
		c.disconnectSig.Fire()

		select {
		case <-c.stop:
			return
		default:
		}
	}
}

func (c *Client) readLoop() {
	for {
		err := c.getCodec().Next(func(result json.RawMessage) {
			var params []string
			if err := json.Unmarshal(result, &params); err != nil {
				c.log.Debugf("%s: unparseable notification: %s", c.name, result)
				return
			}
			if c.onJob != nil {
				c.onJob(c, params)
			}
		})
		if err != nil {
			c.log.Debugf("%s read loop ending: %v", c.name, err)
			return
		}
		if c.kick != nil {
			c.kick()
		}
	}
}

func (c *Client) getCodec() *jsonrpcline.Codec {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.codec
}

func (c *Client) sleepBackoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func tuneSocket(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcp.SetNoDelay(true)
	tcp.SetKeepAlive(true)
	tcp.SetKeepAlivePeriod(keepaliveIdle)
}

var _ registry.UpstreamState = (*Client)(nil)
