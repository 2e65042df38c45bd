// Package registry implements component D: the authoritative, concurrency
// safe store of the current mining job. It arbitrates which upstream's
// job is "live" under the failover policy of spec §4.D and broadcasts a
// job-change signal.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Eacred/slog"

	"github.com/eth-proxy/ethproxy/internal/onesignal"
)

// Job is the opaque, immutable tuple of hex strings received from an
// upstream's eth_getWork notification (spec §3).
type Job struct {
	params []string
}

// NewJob builds a Job from a notification's result array. The slice is
// copied so later mutation by the caller can't reach back into the job.
func NewJob(params []string) *Job {
	return &Job{params: append([]string(nil), params...)}
}

// Params returns a defensive copy of the job's ordered tuple.
func (j *Job) Params() []string {
	if j == nil {
		return nil
	}
	return append([]string(nil), j.params...)
}

// HeaderHash is element 0, the job's identity.
func (j *Job) HeaderHash() string {
	if j == nil || len(j.params) == 0 {
		return ""
	}
	return j.params[0]
}

// SeedHash is element 1.
func (j *Job) SeedHash() string {
	if j == nil || len(j.params) < 2 {
		return ""
	}
	return j.params[1]
}

// DAGIdentifier is the 16 hex chars of the seed hash after its 0x prefix,
// used to name the active DAG epoch on the status page (spec §4.E, §3,
// GLOSSARY).
func (j *Job) DAGIdentifier() string {
	seed := strings.TrimPrefix(j.SeedHash(), "0x")
	if len(seed) > 16 {
		seed = seed[:16]
	}
	return seed
}

// UpstreamState is the subset of an upstream client's observable state the
// registry needs to pick the live upstream, route submissions, and report
// status. *upstream.Client implements this; the interface lives here
// (rather than being imported from internal/upstream) so registry doesn't
// depend on upstream's dialing machinery.
type UpstreamState interface {
	Name() string
	Host() string
	Port() int
	IsFailover() bool
	IsConnected() bool
	RemoteIP() string
	Rpc(ctx context.Context, method string, params interface{}, worker string) (json.RawMessage, error)
}

// Registry holds the current cached job and the priority-ordered set of
// upstreams that may supply it.
type Registry struct {
	upstreams []UpstreamState // priority order: primary, failover1..3

	mu  sync.RWMutex
	job *Job

	coinTimeout time.Duration
	changeSig   *onesignal.Signal

	log slog.Logger
}

// New builds a Registry over upstreams in declared priority order (spec
// §4.D: primary, failover1, failover2, failover3).
func New(upstreams []UpstreamState, coinTimeout time.Duration, log slog.Logger) *Registry {
	return &Registry{
		upstreams:   upstreams,
		coinTimeout: coinTimeout,
		changeSig:   onesignal.New(),
		log:         log,
	}
}

// Upstreams returns the configured upstreams in priority order, for the
// status page.
func (r *Registry) Upstreams() []UpstreamState {
	return r.upstreams
}

// CoinTimeout is consumed by the HTTP endpoint to enforce job staleness
// (spec §4.D, §4.E), not enforced here.
func (r *Registry) CoinTimeout() time.Duration {
	return r.coinTimeout
}

// live returns the first currently-connected upstream in priority order,
// or nil if none are connected. Caller must hold r.mu for reading.
func (r *Registry) live() UpstreamState {
	for _, u := range r.upstreams {
		if u.IsConnected() {
			return u
		}
	}
	return nil
}

// CurrentJob returns the cached job, or nil if none has arrived yet.
func (r *Registry) CurrentJob() *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job
}

// OnJobChange returns the channel for the next job-change occurrence.
func (r *Registry) OnJobChange() <-chan struct{} {
	return r.changeSig.Wait()
}

// ReplaceJob implements the acceptance rule of spec §4.D: accept a new job
// only from the currently live upstream; drop same-header-hash duplicates
// silently; otherwise atomically replace the cache and fire the
// job-change signal exactly once.
func (r *Registry) ReplaceJob(job *Job, source UpstreamState) {
	r.mu.Lock()
	live := r.live()
	if live == nil || source != live {
		r.mu.Unlock()
		r.log.Debugf("NOT_USED job from %s (live upstream is %v)", describeSource(source), describeSource(live))
		return
	}

	if r.job != nil && r.job.HeaderHash() == job.HeaderHash() {
		r.mu.Unlock()
		return
	}

	r.job = job
	r.mu.Unlock()

	r.log.Infof("new job from %s: %s", source.Name(), job.HeaderHash())
	r.changeSig.Fire()
}

// Submit implements spec §4.D's submission routing: forward to the first
// currently-connected upstream in priority order, dropping the
// submission if none are connected. The upstream rpc runs in its own
// goroutine since its result is observed asynchronously by the codec,
// never by the HTTP caller (spec §4.E: the miner gets result:true before
// any upstream ack).
func (r *Registry) Submit(ctx context.Context, method string, params interface{}, worker string) {
	r.mu.RLock()
	live := r.live()
	r.mu.RUnlock()

	if live == nil {
		r.log.Warnf("NO_SUBMIT_ALL_POOLS_DOWN %s by %s", method, worker)
		return
	}

	if method == "eth_submitWork" {
		headerHash := ""
		if p, ok := params.([]string); ok && len(p) > 0 {
			headerHash = p[0]
		}
		r.log.Infof("eth_submitWork %s by %s", headerHash, worker)
	}
	r.log.Debugf("%s %v by %s via %s", method, params, worker, live.Name())

	go func() {
		if _, err := live.Rpc(ctx, method, params, worker); err != nil {
			r.log.Debugf("submit %s via %s failed: %v", method, live.Name(), err)
		}
	}()
}

func describeSource(s UpstreamState) string {
	if s == nil {
		return "<none>"
	}
	return s.Name()
}
