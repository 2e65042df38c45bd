package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Eacred/slog"

	"github.com/eth-proxy/ethproxy/internal/config"
	"github.com/eth-proxy/ethproxy/internal/getwork"
	"github.com/eth-proxy/ethproxy/internal/plog"
	"github.com/eth-proxy/ethproxy/internal/registry"
	"github.com/eth-proxy/ethproxy/internal/upstream"
	"github.com/eth-proxy/ethproxy/internal/version"
)

const pidFileName = "eth-proxy.pid"

// hub is component G: it wires components A-F together and owns process
// shutdown (spec §4.G).
type hub struct {
	cfg    *config.Config
	logMgr *plog.Manager
	log    slog.Logger

	clients  []*upstream.Client
	watchdog *upstream.Watchdog
	reg      *registry.Registry
	srv      *http.Server
}

func newHub(cfg *config.Config, logMgr *plog.Manager) *hub {
	return &hub{
		cfg:    cfg,
		logMgr: logMgr,
		log:    logMgr.Logger("PXY "),
	}
}

func (h *hub) Run() error {
	clientID := fmt.Sprintf("Proxy_%s", version.Version)
	if h.cfg.Debug {
		clientID += "_debug"
	}

	h.watchdog = upstream.NewWatchdog(h.logMgr.Logger("WDOG"))
	defer h.watchdog.Stop()

	upstreamStates := make([]registry.UpstreamState, 0, 4)

	primary := h.newClient(upstream.Config{
		Name: "primary", Host: h.cfg.PoolHost, Port: h.cfg.PoolPort,
		PingPeriod: 5 * time.Second,
		Wallet:     h.cfg.Wallet, Email: h.cfg.LoginEmail(), ClientID: clientID,
		Debug: h.cfg.Debug, Log: h.logMgr.Logger("UPS1"),
	})
	h.clients = append(h.clients, primary)
	upstreamStates = append(upstreamStates, primary)

	if h.cfg.PoolFailoverEnable {
		for i, f := range h.cfg.Failovers {
			c := h.newClient(upstream.Config{
				Name: fmt.Sprintf("failover%d", i+1), Host: f.Host, Port: f.Port,
				IsFailover: true, PingPeriod: 30 * time.Second,
				Wallet: h.cfg.Wallet, Email: h.cfg.LoginEmail(), ClientID: clientID,
				Debug: h.cfg.Debug, Log: h.logMgr.Logger(fmt.Sprintf("UPS%d", i+2)),
			})
			h.clients = append(h.clients, c)
			upstreamStates = append(upstreamStates, c)
		}
	}

	h.reg = registry.New(upstreamStates, h.cfg.CoinTimeout(), h.logMgr.Logger("REG "))

	for _, c := range h.clients {
		h.watchdog.Register(c)
	}

	firstConnect := primary.OnConnect()
	for _, c := range h.clients {
		c.Start()
	}

	select {
	case <-firstConnect:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("primary upstream %s:%d unreachable on first connect", h.cfg.PoolHost, h.cfg.PoolPort)
	}

	if err := h.writePIDFile(); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(pidFileName)

	gwServer := getwork.New(h.reg, h.cfg.EnableWorkerID, h.logMgr.Logger("HTTP"))

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding %s:%d: %w", h.cfg.Host, h.cfg.Port, err)
	}
	h.srv = &http.Server{Handler: gwServer}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.srv.Serve(keepAliveListener{ln.(*net.TCPListener)})
	}()

	h.log.Infof("listening on %s:%d, proxying to %s:%d", h.cfg.Host, h.cfg.Port, h.cfg.PoolHost, h.cfg.PoolPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		h.log.Infof("received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			h.log.Errorf("http server error: %v", err)
		}
	}

	return h.shutdown()
}

func (h *hub) newClient(cfg upstream.Config) *upstream.Client {
	cfg.Kick = h.watchdog.Kick
	cfg.OnJob = func(c *upstream.Client, params []string) {
		h.reg.ReplaceJob(registry.NewJob(params), c)
	}
	return upstream.New(cfg)
}

func (h *hub) shutdown() error {
	for _, c := range h.clients {
		c.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

func (h *hub) writePIDFile() error {
	return os.WriteFile(pidFileName, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// keepAliveListener enables TCP keepalive on every accepted connection
// with a 60s period via SetKeepAlivePeriod. The probe interval and probe
// count are not set separately: the count stays at the OS default, and
// the interval is whatever SetKeepAlivePeriod sets on the platform.
type keepAliveListener struct {
	*net.TCPListener
}

func (ln keepAliveListener) Accept() (net.Conn, error) {
	conn, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(60 * time.Second)
	return conn, nil
}
