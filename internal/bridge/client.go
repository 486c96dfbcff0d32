package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BridgeHandshakeTimeout is the default deadline for the ready handshake
// (spec.md §5 named timeout constants).
const BridgeHandshakeTimeout = 5 * time.Second

// BridgeProtocolError is returned to every pending and future call once
// the wire stream has been judged broken (malformed line, unexpected
// close). The sandbox owning this client must be marked cold.
var BridgeProtocolError = errors.New("bridge protocol error")

// BridgeHandshakeTimeoutError is returned by WaitReady on timeout.
var BridgeHandshakeTimeoutError = errors.New("bridge handshake timeout")

// ErrCallInFlight is returned by SendCommand when a query/exec is
// already in flight on this sandbox; only one may run at a time.
var ErrCallInFlight = errors.New("a query or exec is already in flight")

// Client is one BridgeClient instance per live sandbox (spec.md §4.3).
// One goroutine owns writes (serialized); one owns reads and
// demultiplexes by correlation id (only one call may be in flight at a
// time, so demultiplexing amounts to routing events to the current
// call's channel until a terminal event, with interrupt/shutdown
// handled out of band).
type Client struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex // serializes all writes to conn

	callMu     sync.Mutex // guards currentID/currentOut; held only while they are read or swapped
	currentID  string
	currentOut chan Event

	readyOnce sync.Once
	readyCh   chan struct{}

	closeOnce sync.Once
	doneCh    chan struct{}
	closeErr  error

	loggedKinds sync.Map // unrecognized event kinds already logged once
}

// NewClient wraps conn and starts the read-demultiplex loop. Both
// launchers hand over a PTY file (the Docker launcher wraps
// `docker exec -i`, the process launcher the bridge subprocess), which
// presents as a flat byte stream.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// WaitReady blocks until the ready handshake event arrives or the
// default BridgeHandshakeTimeout elapses.
func (c *Client) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, BridgeHandshakeTimeout)
	defer cancel()
	select {
	case <-c.readyCh:
		return nil
	case <-c.doneCh:
		return c.closeErr
	case <-ctx.Done():
		return BridgeHandshakeTimeoutError
	}
}

// SendCommand frames cmd to the bridge and returns a lazy, finite event
// stream that terminates with exactly one of done|error|exec_result.
// Callers MUST drain it to completion or call Interrupt to force one.
// At most one query/exec may be in flight per sandbox.
func (c *Client) SendCommand(ctx context.Context, cmd Command) (<-chan Event, error) {
	if cmd.Type != CommandQuery && cmd.Type != CommandResume && cmd.Type != CommandExec {
		return nil, fmt.Errorf("SendCommand only accepts query/resume/exec, got %q", cmd.Type)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	c.callMu.Lock()
	if c.currentOut != nil {
		c.callMu.Unlock()
		return nil, ErrCallInFlight
	}
	out := make(chan Event, 16)
	c.currentID = cmd.ID
	c.currentOut = out
	c.callMu.Unlock()

	if err := c.writeLine(ctx, cmd); err != nil {
		c.callMu.Lock()
		c.currentID = ""
		c.currentOut = nil
		c.callMu.Unlock()
		close(out)
		return nil, err
	}
	return out, nil
}

// Interrupt cancels an in-flight query/exec. It is out-of-band and may
// be sent at any time, overtaking a pending call (spec.md §4.3, §5).
func (c *Client) Interrupt(ctx context.Context) error {
	return c.writeLine(ctx, Command{Type: CommandInterrupt, ID: uuid.NewString()})
}

// Shutdown requests a graceful stop. Out-of-band like Interrupt.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.writeLine(ctx, Command{Type: CommandShutdown, ID: uuid.NewString()})
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.conn.Close()
	})
	return nil
}

// Done is closed once the bridge connection is judged broken (read
// error, malformed line, or explicit Close).
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Err returns the reason Done was closed, if any.
func (c *Client) Err() error {
	return c.closeErr
}

func (c *Client) writeLine(ctx context.Context, cmd Command) error {
	line, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	line = append(line, '\n')

	done := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, err := c.conn.Write(line)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			c.fail(fmt.Errorf("write to bridge: %w", err))
			return BridgeProtocolError
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return c.closeErr
	}
}

func (c *Client) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := readLine(reader, MaxLineSize)
		if err != nil {
			c.fail(fmt.Errorf("read from bridge: %w", BridgeProtocolError))
			return
		}
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("bridge: malformed line, marking sandbox cold: %v", err)
			c.fail(BridgeProtocolError)
			return
		}

		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	if ev.Type == EventReady {
		c.readyOnce.Do(func() { close(c.readyCh) })
		return
	}

	switch ev.Type {
	case EventMessage, EventError, EventDone, EventExecResult:
	default:
		if _, logged := c.loggedKinds.LoadOrStore(ev.Type, true); !logged {
			log.Printf("bridge: ignoring unrecognized event kind %q", ev.Type)
		}
		return
	}

	c.callMu.Lock()
	out := c.currentOut
	if ev.IsTerminal() {
		c.currentID = ""
		c.currentOut = nil
	}
	c.callMu.Unlock()

	if out == nil {
		return
	}
	out <- ev
	if ev.IsTerminal() {
		close(out)
	}
}

func (c *Client) fail(err error) {
	c.callMu.Lock()
	out := c.currentOut
	c.currentID = ""
	c.currentOut = nil
	c.callMu.Unlock()
	if out != nil {
		out <- Event{Type: EventError, Error: err.Error()}
		close(out)
	}

	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.doneCh)
		c.conn.Close()
	})
}

// readLine reads one newline-delimited line, erroring if it exceeds max.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil && err != bufio.ErrBufferFull {
		return nil, err
	}
	full := append([]byte(nil), line...)
	for err == bufio.ErrBufferFull {
		if len(full) > max {
			return nil, fmt.Errorf("line exceeds %d bytes", max)
		}
		line, err = r.ReadSlice('\n')
		full = append(full, line...)
	}
	if len(full) > max {
		return nil, fmt.Errorf("line exceeds %d bytes", max)
	}
	for len(full) > 0 && (full[len(full)-1] == '\n' || full[len(full)-1] == '\r') {
		full = full[:len(full)-1]
	}
	return full, nil
}
