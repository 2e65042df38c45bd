// Package getwork implements components E and F: the HTTP endpoint that
// serves eth_getWork to miners from the registry's cache, routes
// eth_submitWork/eth_submitHashrate to the live upstream, and the
// read-only status page.
package getwork

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Eacred/slog"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/eth-proxy/ethproxy/internal/registry"
)

const maxWorkerNameLen = 14

type rpcRequest struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcReply struct {
	ID      int         `json:"id"`
	Version string      `json:"jsonrpc"`
	Result  interface{} `json:"result"`
	Error   string      `json:"error,omitempty"`
}

// jobAgeCache implements spec §3's single-record staleness tracker.
type jobAgeCache struct {
	mu              sync.Mutex
	lastHeaderHash  string
	firstSeenUnixNS int64
}

func (c *jobAgeCache) observe(headerHash string, coinTimeout time.Duration, now time.Time) (stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.firstSeenUnixNS != 0 && headerHash == c.lastHeaderHash {
		age := now.Sub(time.Unix(0, c.firstSeenUnixNS))
		return age >= coinTimeout
	}

	c.lastHeaderHash = headerHash
	c.firstSeenUnixNS = now.UnixNano()
	return false
}

// hashrateLog rate-limits eth_submitHashrate log lines to at most once per
// 60s per worker (spec §4.E, P6). Entries never expire (spec §3).
type hashrateLog struct {
	mu       sync.Mutex
	sometime map[string]*rate.Sometimes
}

func newHashrateLog() *hashrateLog {
	return &hashrateLog{sometime: make(map[string]*rate.Sometimes)}
}

// allow runs fn at most once per 60s for worker, reporting whether it ran.
func (h *hashrateLog) allow(worker string, fn func()) bool {
	h.mu.Lock()
	s, ok := h.sometime[worker]
	if !ok {
		s = &rate.Sometimes{Interval: 60 * time.Second}
		h.sometime[worker] = s
	}
	h.mu.Unlock()

	ran := false
	s.Do(func() {
		fn()
		ran = true
	})
	return ran
}

// Server is the downstream-facing HTTP getwork endpoint.
type Server struct {
	reg            *registry.Registry
	enableWorkerID bool
	coinTimeout    time.Duration

	jobAge    jobAgeCache
	hashrates *hashrateLog

	log slog.Logger

	router *mux.Router
}

// New builds a Server bound to reg. enableWorkerID toggles URL-path worker
// attribution (spec §6.3's ENABLE_WORKER_ID).
func New(reg *registry.Registry, enableWorkerID bool, log slog.Logger) *Server {
	s := &Server{
		reg:            reg,
		enableWorkerID: enableWorkerID,
		coinTimeout:    reg.CoinTimeout(),
		hashrates:      newHashrateLog(),
		log:            log,
	}
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleRPC).Methods(http.MethodPost)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeReply(w, rpcReply{ID: 0, Version: "2.0", Result: false, Error: "malformed request body"})
		return
	}

	job := s.reg.CurrentJob()
	if job == nil {
		writeReply(w, rpcReply{ID: req.ID, Version: "2.0", Result: false, Error: "Proxy is waiting for a job..."})
		return
	}

	switch req.Method {
	case "eth_getWork":
		s.handleGetWork(w, req, job)
	case "eth_submitWork":
		s.handleSubmitWork(w, r, req, job)
	case "eth_submitHashrate":
		s.handleSubmitHashrate(w, r, req, job)
	default:
		writeReply(w, rpcReply{ID: req.ID, Version: "2.0", Result: false, Error: fmt.Sprintf("Unsupported method '%s'", req.Method)})
	}
}

func (s *Server) handleGetWork(w http.ResponseWriter, req rpcRequest, job *registry.Job) {
	h := job.HeaderHash()
	if s.jobAge.observe(h, s.coinTimeout, time.Now()) {
		s.log.Warnf("job %s exceeded coin timeout of %s; miner should restart", h, s.coinTimeout)
		writeReply(w, rpcReply{ID: req.ID, Version: "2.0", Result: false, Error: "Job timeout. Proxy is waiting for an updated job..."})
		return
	}
	writeReply(w, rpcReply{ID: req.ID, Version: "2.0", Result: job.Params()})
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request, req rpcRequest, job *registry.Job) {
	var params []string
	_ = json.Unmarshal(req.Params, &params)
	worker := s.deriveWorker(r)

	// The reply below returns before any upstream ack (spec §4.E); the
	// submission outlives this handler, so it must not inherit the
	// request's context, which net/http cancels the instant ServeHTTP
	// returns.
	s.reg.Submit(context.Background(), "eth_submitWork", params, worker)
	writeReply(w, rpcReply{ID: req.ID, Version: "2.0", Result: true})
}

func (s *Server) handleSubmitHashrate(w http.ResponseWriter, r *http.Request, req rpcRequest, job *registry.Job) {
	var params []string
	_ = json.Unmarshal(req.Params, &params)
	worker := s.deriveWorker(r)

	if len(params) > 0 {
		logged := s.hashrates.allow(worker, func() {
			mhs := hashrateMHs(params[0])
			s.log.Infof("%s reporting %.2f MH/s", worker, mhs)
		})
		if logged {
			s.reg.Submit(context.Background(), "eth_submitHashrate", params, worker)
		}
	}
	writeReply(w, rpcReply{ID: req.ID, Version: "2.0", Result: true})
}

// hashrateMHs decodes a hex hashrate string (wei/s-style big-endian hex,
// possibly zero-padded) into MH/s, per spec §4.E.
func hashrateMHs(hex string) float64 {
	digits := strings.TrimLeft(strings.TrimPrefix(hex, "0x"), "0")
	n, err := hexutil.DecodeUint64(padHex(digits))
	if err != nil {
		return 0
	}
	return float64(n) / 1e6
}

func padHex(s string) string {
	if !strings.HasPrefix(s, "0x") {
		return "0x" + s
	}
	return s
}

// deriveWorker implements spec §4.E's worker-name rule: URL path, up to 14
// chars, split at the next '/'; else synthesize from the client's IPv4.
func (s *Server) deriveWorker(r *http.Request) string {
	if !s.enableWorkerID {
		return ""
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if len(path) > maxWorkerNameLen {
		path = path[:maxWorkerNameLen]
	}
	if idx := strings.Index(path, "/"); idx >= 0 {
		path = path[:idx]
	}
	if path != "" {
		return path
	}

	return workerFromIP(r.RemoteAddr)
}

// workerFromIP synthesizes a worker name from an IPv4 client address as the
// decimal encoding a*2^24 + b*2^16 + c*2^8 + d (spec §4.E, P5).
func workerFromIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return ""
	}
	n := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	return strconv.FormatUint(uint64(n), 10)
}

func writeReply(w http.ResponseWriter, reply rpcReply) {
	b, err := json.Marshal(reply)
	if err != nil {
		return
	}
	b = append(b, '\n')
	w.Write(b)
}
