package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeConn adapts a net.Conn half to io.ReadWriteCloser (already satisfied).

func newTestPair(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := NewClient(clientSide)
	t.Cleanup(func() { c.Close(); serverSide.Close() })
	return c, serverSide
}

func writeEvent(t *testing.T, conn net.Conn, ev Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func readCommand(t *testing.T, r *bufio.Reader) Command {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(line), &cmd))
	return cmd
}

func TestHandshake(t *testing.T) {
	c, conn := newTestPair(t)
	go writeEvent(t, conn, Event{Type: EventReady})

	require.NoError(t, c.WaitReady(context.Background()))
}

func TestHandshakeTimeout(t *testing.T) {
	c, _ := newTestPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitReady(ctx), BridgeHandshakeTimeoutError)
}

func TestQueryDrainsToD(t *testing.T) {
	c, conn := newTestPair(t)
	r := bufio.NewReader(conn)

	go writeEvent(t, conn, Event{Type: EventReady})
	require.NoError(t, c.WaitReady(context.Background()))

	// net.Pipe has no buffering: SendCommand's write only completes once
	// this side reads the line, so the read runs concurrently.
	cmdCh := make(chan Command, 1)
	go func() { cmdCh <- readCommand(t, r) }()

	events, err := c.SendCommand(context.Background(), Command{Type: CommandQuery, Prompt: "hi"})
	require.NoError(t, err)

	cmd := <-cmdCh
	require.Equal(t, CommandQuery, cmd.Type)
	require.NotEmpty(t, cmd.ID)

	go func() {
		writeEvent(t, conn, Event{Type: EventMessage, ID: cmd.ID, Data: json.RawMessage(`{"text":"hello"}`)})
		writeEvent(t, conn, Event{Type: EventDone, ID: cmd.ID, SessionID: "sdk-1"})
	}()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, EventMessage, got[0].Type)
	require.Equal(t, EventDone, got[1].Type)
}

func TestSecondCallWhileInFlightFails(t *testing.T) {
	c, conn := newTestPair(t)
	go writeEvent(t, conn, Event{Type: EventReady})
	require.NoError(t, c.WaitReady(context.Background()))
	go io.Copy(io.Discard, conn)

	_, err := c.SendCommand(context.Background(), Command{Type: CommandQuery, Prompt: "first"})
	require.NoError(t, err)
	_, err = c.SendCommand(context.Background(), Command{Type: CommandExec, ExecCommand: "ls"})
	require.ErrorIs(t, err, ErrCallInFlight)
}

func TestMalformedLineMarksBroken(t *testing.T) {
	c, conn := newTestPair(t)
	go writeEvent(t, conn, Event{Type: EventReady})
	require.NoError(t, c.WaitReady(context.Background()))
	go io.Copy(io.Discard, conn)

	events, err := c.SendCommand(context.Background(), Command{Type: CommandQuery, Prompt: "hi"})
	require.NoError(t, err)

	conn.Write([]byte("not json\n"))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not mark itself broken")
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.Equal(t, EventError, got[0].Type)
}
