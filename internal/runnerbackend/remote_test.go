package runnerbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentorch/agentorch/internal/bridge"
)

// TestRemoteStreamReframesUntilTerminal exercises Stream against a real
// websocket-upgrading handler (mirroring handleRunnerStream's server
// side), not a plain SSE response: Stream dials with
// nhooyr.io/websocket, which performs the RFC6455 handshake, so a test
// server that never upgrades the connection would just fail the dial.
func TestRemoteStreamReframesUntilTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		if _, _, err := conn.Read(ctx); err != nil {
			return
		}

		write := func(ev bridge.Event) {
			payload, _ := json.Marshal(ev)
			conn.Write(ctx, websocket.MessageText, payload)
		}
		write(bridge.Event{Type: bridge.EventMessage, Data: json.RawMessage(`{"text":"hi"}`)})
		write(bridge.Event{Type: bridge.EventDone})
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	b := NewRemote(srv.URL, "secret", srv.Client())
	ch, err := b.Stream(context.Background(), "sbx-1", StreamCommand{Type: bridge.CommandQuery, Prompt: "hello"})
	require.NoError(t, err)

	var events []bridge.Event
	for ev := range ch {
		events = append(events, ev)
	}

	require.Len(t, events, 2)
	require.Equal(t, bridge.EventMessage, events[0].Type)
	require.True(t, events[1].IsTerminal(), "expected second event to be terminal")
}

func TestRemoteDestroySandboxNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewRemote(srv.URL, "secret", srv.Client())
	err := b.DestroySandbox(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestRemoteRequestTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	b := NewRemote(srv.URL, "secret", srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Interrupt(ctx, "sbx-1")
	require.Error(t, err)
}
