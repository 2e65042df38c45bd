// Package jsonrpcline implements component A of the proxy: a codec that
// frames one JSON-RPC 2.0 object per \n-terminated line over an
// established net.Conn, assigns monotonic request ids, and correlates
// replies to the requests that produced them. It does not dial or own
// reconnection; that's internal/upstream's job.
package jsonrpcline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Eacred/slog"
	"github.com/davecgh/go-spew/spew"

	"github.com/eth-proxy/ethproxy/internal/proxyerr"
)

// MaxLineSize is the largest line the codec will read before treating the
// transport as misbehaving and closing it (spec §4.A).
const MaxLineSize = 16 * 1024

// firstRequestID is the first id handed out. 0 and 1 are reserved for
// boot per spec §4.A, so the counter starts one past the reserved range.
const firstRequestID = 2

// maxRequestID is the last id handed out before wrapping back to 2.
const maxRequestID = 65534

// Outcome is what a pending request resolves to: either a result payload
// or an error (transport loss via Abort, or a remote error).
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type wireRequest struct {
	ID      *int        `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	Worker  string      `json:"worker,omitempty"`
	Version string      `json:"jsonrpc"`
}

type wireMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type pendingRequest struct {
	method      string
	worker      string
	submittedAt time.Time
	done        chan Outcome
}

// Codec wraps one net.Conn with line-JSON-RPC framing and id correlation.
// Safe for concurrent use: many goroutines may call SendRequest while one
// goroutine drives Next in a loop.
type Codec struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	idMu   sync.Mutex
	nextID int

	pendingMu sync.Mutex
	pending   map[int]*pendingRequest

	debug bool
	log   slog.Logger
}

// New wraps conn. debug enables verbose spew-dumped frame logging (the
// config file's DEBUG option, spec §6.3).
func New(conn net.Conn, debug bool, log slog.Logger) *Codec {
	return &Codec{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, MaxLineSize),
		nextID:  firstRequestID,
		pending: make(map[int]*pendingRequest),
		debug:   debug,
		log:     log,
	}
}

func (c *Codec) nextRequestID() int {
	c.idMu.Lock()
	id := c.nextID
	c.nextID++
	if c.nextID > maxRequestID {
		c.nextID = 2
	}
	c.idMu.Unlock()
	return id
}

// SendRequest writes a framed request and registers it for correlation.
// The returned channel receives exactly one Outcome, delivered either by
// a matching reply (Next) or by Abort on transport loss.
func (c *Codec) SendRequest(method string, params interface{}, worker string) (<-chan Outcome, error) {
	id := c.nextRequestID()
	req := wireRequest{ID: &id, Method: method, Params: params, Worker: worker, Version: "2.0"}

	pr := &pendingRequest{method: method, worker: worker, submittedAt: time.Now(), done: make(chan Outcome, 1)}
	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()

	if err := c.writeLine(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, proxyerr.Wrap(proxyerr.KindTransport, err)
	}
	return pr.done, nil
}

func (c *Codec) writeLine(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.debug {
		c.log.Debugf("< %s", spew.Sdump(v))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	b = append(b, '\n')
	_, err = c.conn.Write(b)
	return err
}

// Next reads and dispatches exactly one inbound line: a response resolves
// its pending request (and, for eth_submitWork, logs round-trip latency);
// a notification is handed to onNotification with method forced to
// eth_getWork regardless of the stated method name, per spec §4.A (pool
// notifications arrive as bare result arrays). Returns a non-nil error on
// transport loss or protocol violation (overlong or undecodable line),
// at which point the caller should close the connection.
func (c *Codec) Next(onNotification func(result json.RawMessage)) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if c.debug {
		c.log.Debugf("> %s", line)
	}

	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return proxyerr.Wrap(proxyerr.KindProtocol, err)
	}

	if len(msg.Error) > 0 && !bytes.Equal(bytes.TrimSpace(msg.Error), []byte("null")) {
		if msg.ID != nil {
			c.resolve(*msg.ID, Outcome{Err: proxyerr.Newf(proxyerr.KindRemote, "remote error: %s", msg.Error)})
		}
		return nil
	}

	if msg.ID == nil || *msg.ID == 0 {
		onNotification(msg.Result)
		return nil
	}

	c.resolve(*msg.ID, Outcome{Result: msg.Result})
	return nil
}

func (c *Codec) resolve(id int, outcome Outcome) {
	c.pendingMu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debugf("no pending request found for response id %d", id)
		return
	}

	if pr.method == "eth_submitWork" {
		elapsed := time.Since(pr.submittedAt)
		if outcome.Err == nil && isTrue(outcome.Result) {
			c.log.Infof("[%dms] eth_submitWork from %q accepted", elapsed.Milliseconds(), pr.worker)
		} else {
			c.log.Warnf("[%dms] eth_submitWork from %q rejected", elapsed.Milliseconds(), pr.worker)
		}
	}

	pr.done <- outcome
}

func isTrue(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// Abort resolves every currently pending request with err, used when the
// transport is lost (spec §3: PendingRequest is "removed on reply or on
// transport loss").
func (c *Codec) Abort(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.pendingMu.Unlock()

	for _, pr := range pending {
		pr.done <- Outcome{Err: err}
	}
}

func (c *Codec) readLine() ([]byte, error) {
	line, err := c.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, proxyerr.New(proxyerr.KindProtocol, fmt.Sprintf("line exceeds max length of %d bytes", MaxLineSize))
	}
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindTransport, err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
