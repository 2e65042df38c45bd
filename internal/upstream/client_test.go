package upstream

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Eacred/slog"
)

func testLogger() slog.Logger {
	l := slog.NewBackend(discardWriter{}).Logger("TEST")
	l.SetLevel(slog.LevelCritical)
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakePool listens on loopback, accepts connections in a loop and forwards
// each accepted connection on a channel for the test to drive further. It
// writes nothing itself; replies are up to the test.
func fakePool(t *testing.T) (addr string, conns <-chan net.Conn, ln net.Listener) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			ch <- c
		}
	}()
	return l.Addr().String(), ch, l
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return host, port
}

func TestClientConnectsAndFiresOnConnect(t *testing.T) {
	addr, conns, ln := fakePool(t)
	defer ln.Close()
	host, port := splitHostPort(t, addr)

	var gotJob []string
	jobCh := make(chan struct{}, 1)

	c := New(Config{
		Name: "primary", Host: host, Port: port,
		PingPeriod: time.Hour, Wallet: "0xabc", Email: "", ClientID: "Proxy_test",
		Log: testLogger(),
		OnJob: func(_ *Client, params []string) {
			gotJob = params
			jobCh <- struct{}{}
		},
	})
	defer c.Stop()
	connected := c.OnConnect()
	c.Start()

	var server net.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never received a connection")
	}
	defer server.Close()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect never fired")
	}
	if !c.IsConnected() {
		t.Fatal("expected IsConnected true")
	}

	reader := bufio.NewReader(server)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read login: %v", err)
	}
	var req struct {
		ID     int    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if req.Method != "eth_submitLogin" {
		t.Fatalf("expected eth_submitLogin first, got %s", req.Method)
	}
	server.Write([]byte(`{"id":` + itoaTest(req.ID) + `,"result":true}` + "\n"))

	server.Write([]byte(`{"id":0,"result":["0xHASH","0xSEED","0xTARGET"]}` + "\n"))

	select {
	case <-jobCh:
	case <-time.After(time.Second):
		t.Fatal("job notification never dispatched")
	}
	if len(gotJob) != 3 || gotJob[0] != "0xHASH" {
		t.Fatalf("unexpected job params: %v", gotJob)
	}
}

func TestClientFiresOnDisconnectAndReconnects(t *testing.T) {
	addr, conns, ln := fakePool(t)
	defer ln.Close()
	host, port := splitHostPort(t, addr)

	c := New(Config{
		Name: "primary", Host: host, Port: port,
		PingPeriod: time.Hour, Log: testLogger(),
	})
	defer c.Stop()
	connected := c.OnConnect()
	c.Start()

	var first net.Conn
	select {
	case first = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never received first connection")
	}
	<-connected

	disconnected := c.OnDisconnect()
	first.Close()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect never fired")
	}
	if c.IsConnected() {
		t.Fatal("expected IsConnected false after close")
	}

	select {
	case second := <-conns:
		second.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("client never redialed after disconnect")
	}
}

func itoaTest(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
