package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Eacred/slog"
)

type fakeUpstream struct {
	name      string
	failover  bool
	connected bool
	calls     []string
}

func (f *fakeUpstream) Name() string       { return f.name }
func (f *fakeUpstream) Host() string       { return "pool.example.com" }
func (f *fakeUpstream) Port() int          { return 3333 }
func (f *fakeUpstream) IsFailover() bool   { return f.failover }
func (f *fakeUpstream) IsConnected() bool  { return f.connected }
func (f *fakeUpstream) RemoteIP() string   { return "203.0.113.1" }
func (f *fakeUpstream) Rpc(ctx context.Context, method string, params interface{}, worker string) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	return json.RawMessage("true"), nil
}

func testLogger() slog.Logger {
	l := slog.NewBackend(discardWriter{}).Logger("TEST")
	l.SetLevel(slog.LevelCritical)
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestRegistry fans into the scenarios below, following the teacher's
// single-entrypoint test idiom (pool_test.go's TestPool -> testX(t, db)).
func TestRegistry(t *testing.T) {
	testNoJobMeansNilCurrentJob(t)
	testReplaceJobAcceptsFromLiveUpstream(t)
	testReplaceJobRejectsFromNonLiveUpstream(t)
	testDuplicateHeaderHashDoesNotRefire(t)
	testFailoverPromotedWhenPrimaryDisconnects(t)
	testSubmitDropsWhenAllPoolsDown(t)
	testSubmitRoutesToLiveUpstream(t)
}

func testNoJobMeansNilCurrentJob(t *testing.T) {
	reg := New(nil, 360*time.Second, testLogger())
	if reg.CurrentJob() != nil {
		t.Fatal("expected no cached job on a fresh registry")
	}
}

func testReplaceJobAcceptsFromLiveUpstream(t *testing.T) {
	primary := &fakeUpstream{name: "primary", connected: true}
	reg := New([]UpstreamState{primary}, 360*time.Second, testLogger())

	sig := reg.OnJobChange()
	reg.ReplaceJob(NewJob([]string{"0xAAA", "0xBBB", "0xCCC"}), primary)

	select {
	case <-sig:
	case <-time.After(time.Second):
		t.Fatal("expected job-change signal to fire")
	}

	if reg.CurrentJob().HeaderHash() != "0xAAA" {
		t.Fatalf("unexpected cached job: %+v", reg.CurrentJob())
	}
}

func testReplaceJobRejectsFromNonLiveUpstream(t *testing.T) {
	primary := &fakeUpstream{name: "primary", connected: true}
	failover := &fakeUpstream{name: "failover1", connected: true, failover: true}
	reg := New([]UpstreamState{primary, failover}, 360*time.Second, testLogger())

	reg.ReplaceJob(NewJob([]string{"0xFAIL"}), failover)

	if reg.CurrentJob() != nil {
		t.Fatal("failover's job must not be cached while primary is connected (P3)")
	}
}

func testDuplicateHeaderHashDoesNotRefire(t *testing.T) {
	primary := &fakeUpstream{name: "primary", connected: true}
	reg := New([]UpstreamState{primary}, 360*time.Second, testLogger())

	first := reg.OnJobChange()
	reg.ReplaceJob(NewJob([]string{"0xAAA", "0xBBB"}), primary)
	<-first // the first distinct job fires; re-fetch the re-armed signal below

	fired := reg.OnJobChange()
	reg.ReplaceJob(NewJob([]string{"0xAAA", "0xDIFFERENT_SEED"}), primary)

	select {
	case <-fired:
		t.Fatal("duplicate header-hash job must not fire the change signal (P2)")
	case <-time.After(50 * time.Millisecond):
	}
}

func testFailoverPromotedWhenPrimaryDisconnects(t *testing.T) {
	primary := &fakeUpstream{name: "primary", connected: true}
	failover := &fakeUpstream{name: "failover1", connected: true, failover: true}
	reg := New([]UpstreamState{primary, failover}, 360*time.Second, testLogger())

	reg.ReplaceJob(NewJob([]string{"0xFROM_FAILOVER"}), failover)
	if reg.CurrentJob() != nil {
		t.Fatal("failover job must be rejected while primary is live")
	}

	primary.connected = false
	reg.ReplaceJob(NewJob([]string{"0xFROM_FAILOVER"}), failover)
	if got := reg.CurrentJob(); got == nil || got.HeaderHash() != "0xFROM_FAILOVER" {
		t.Fatal("failover job must be accepted once it becomes live")
	}
}

func testSubmitDropsWhenAllPoolsDown(t *testing.T) {
	primary := &fakeUpstream{name: "primary", connected: false}
	reg := New([]UpstreamState{primary}, 360*time.Second, testLogger())

	reg.Submit(context.Background(), "eth_submitWork", []string{"a", "b", "c"}, "rig1")
	time.Sleep(10 * time.Millisecond)

	if len(primary.calls) != 0 {
		t.Fatal("submit must not reach a disconnected upstream")
	}
}

func testSubmitRoutesToLiveUpstream(t *testing.T) {
	primary := &fakeUpstream{name: "primary", connected: true}
	reg := New([]UpstreamState{primary}, 360*time.Second, testLogger())

	reg.Submit(context.Background(), "eth_submitWork", []string{"a", "b", "c"}, "rig1")

	deadline := time.Now().Add(time.Second)
	for len(primary.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(primary.calls) != 1 || primary.calls[0] != "eth_submitWork" {
		t.Fatalf("expected one eth_submitWork call, got %v", primary.calls)
	}
}
