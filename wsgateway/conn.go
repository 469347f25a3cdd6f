package wsgateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeQueueSize bounds how many frames (binary output or JSON control)
	// can be outstanding for one connection before it is treated as
	// stalled. Grounded on the superposition shepherd's subscriber channel
	// (buffered chan []byte with a non-blocking send).
	writeQueueSize = 256
	// writeDeadline bounds a single underlying ws.WriteMessage call, so a
	// connection whose TCP peer stopped acking can't hang the writer
	// goroutine indefinitely even once a frame has been dequeued.
	writeDeadline = 10 * time.Second
	// controlEnqueueTimeout bounds how long WriteJSON waits for queue
	// space. Control replies are low-volume and ordering with the
	// client's own requests matters, so unlike WriteBinary it does not
	// drop immediately - but it still gives up rather than blocking the
	// caller (the registry's single-writer goroutine) forever.
	controlEnqueueTimeout = 2 * time.Second
)

// errBackpressure is returned when a frame could not be enqueued because
// the connection's send queue is full - the connection is stalled and the
// frame is dropped, exactly as a client over the scheduler's backpressure
// cutoff is skipped for a flush.
var errBackpressure = errors.New("wsgateway: connection backpressured, frame dropped")

// errConnClosed is returned once the connection's writer has shut down.
var errConnClosed = errors.New("wsgateway: connection closed")

type wsMsg struct {
	msgType int
	data    []byte
}

// wsConn adapts a *websocket.Conn to session.Conn. ws.WriteMessage is
// never called from more than one goroutine: WriteBinary and WriteJSON
// only ever enqueue onto send, and a single dedicated writeLoop goroutine
// drains it. This is what makes a call to WriteBinary non-blocking - a
// client whose socket buffer is genuinely stalled fills its own queue and
// gets its frames dropped here, instead of blocking delivery to every
// other connection sharing a session's flush loop (flushSession calls
// WriteBinary synchronously, in a loop, for every joined connection).
type wsConn struct {
	id string
	ws *websocket.Conn

	send   chan wsMsg
	queued atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	c := &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan wsMsg, writeQueueSize),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

// BufferedAmount reports bytes currently queued for send but not yet
// written to the socket - the scheduler's backpressure signal.
func (c *wsConn) BufferedAmount() int {
	return int(c.queued.Load())
}

// writeLoop is the sole goroutine permitted to call ws.WriteMessage. It
// drains send until the connection is closed or a write errors, bounding
// every individual write with writeDeadline so a half-dead TCP peer can
// never hang this goroutine past that timeout.
func (c *wsConn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.queued.Add(-int64(len(msg.data)))
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(msg.msgType, msg.data); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// WriteBinary enqueues a terminal-output frame. It never blocks: a full
// send queue means the connection is stalled, and the frame is dropped
// for this connection only - the data stays available in the session's
// circular buffer for replay on rejoin.
func (c *wsConn) WriteBinary(data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case c.send <- wsMsg{msgType: websocket.BinaryMessage, data: buf}:
		c.queued.Add(int64(len(buf)))
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		return errBackpressure
	}
}

// WriteJSON enqueues a control message, marshaled once up front so the
// writer goroutine never needs to touch v. It waits briefly for queue
// space rather than dropping immediately like WriteBinary, but still
// bounded by controlEnqueueTimeout.
func (c *wsConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- wsMsg{msgType: websocket.TextMessage, data: data}:
		c.queued.Add(int64(len(data)))
		return nil
	case <-c.closed:
		return errConnClosed
	case <-time.After(controlEnqueueTimeout):
		return errBackpressure
	}
}

// Close stops the writer goroutine and closes the underlying socket. It
// closes the socket itself (not just the closed channel) so a writeLoop
// blocked inside ws.WriteMessage on a stalled connection unblocks
// immediately instead of waiting out writeDeadline. Safe to call more
// than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
	return nil
}
