package runnerbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/agentorch/agentorch/internal/bridge"
)

// RemoteRunnerBackend maps Backend calls onto another runner's internal
// HTTP surface (§6.1): create/destroy/interrupt/persist are plain
// request/response, Stream dials a persistent websocket and re-emits
// frames on a local channel without re-parsing their payloads (grounded
// on the teacher's tunnel/agent-client websocket style, generalized
// from a passthrough reverse proxy into an explicit re-framing loop
// since the coordinator must inspect done/error to know when to mark
// the sandbox waiting).
type RemoteRunnerBackend struct {
	baseURL      string
	bearerSecret string
	httpClient   *http.Client
}

var _ Backend = (*RemoteRunnerBackend)(nil)

// NewRemote constructs a backend that talks to the internal control
// plane of the runner at baseURL, authenticating with the shared
// bearer secret (spec.md §6.1).
func NewRemote(baseURL, bearerSecret string, httpClient *http.Client) *RemoteRunnerBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteRunnerBackend{baseURL: strings.TrimRight(baseURL, "/"), bearerSecret: bearerSecret, httpClient: httpClient}
}

func (b *RemoteRunnerBackend) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.bearerSecret)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (b *RemoteRunnerBackend) do(req *http.Request, out any) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("internal runner request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrSandboxNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("internal runner returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *RemoteRunnerBackend) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (CreateSandboxResult, error) {
	httpReq, err := b.newRequest(ctx, http.MethodPost, "/runner/sandboxes", req)
	if err != nil {
		return CreateSandboxResult{}, err
	}
	var out CreateSandboxResult
	if err := b.do(httpReq, &out); err != nil {
		return CreateSandboxResult{}, err
	}
	return out, nil
}

func (b *RemoteRunnerBackend) DestroySandbox(ctx context.Context, sandboxID string) error {
	httpReq, err := b.newRequest(ctx, http.MethodDelete, "/runner/sandboxes/"+sandboxID, nil)
	if err != nil {
		return err
	}
	return b.do(httpReq, nil)
}

func (b *RemoteRunnerBackend) Interrupt(ctx context.Context, sandboxID string) error {
	httpReq, err := b.newRequest(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/interrupt", nil)
	if err != nil {
		return err
	}
	return b.do(httpReq, nil)
}

func (b *RemoteRunnerBackend) MarkRunning(ctx context.Context, sandboxID string) error {
	httpReq, err := b.newRequest(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/mark", map[string]string{"state": "running"})
	if err != nil {
		return err
	}
	return b.do(httpReq, nil)
}

func (b *RemoteRunnerBackend) MarkWaiting(ctx context.Context, sandboxID string) error {
	httpReq, err := b.newRequest(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/mark", map[string]string{"state": "waiting"})
	if err != nil {
		return err
	}
	return b.do(httpReq, nil)
}

func (b *RemoteRunnerBackend) PersistState(ctx context.Context, sandboxID, sessionID, workspaceDir, agentName string) error {
	httpReq, err := b.newRequest(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/persist", map[string]string{
		"sessionId":    sessionID,
		"workspaceDir": workspaceDir,
		"agentName":    agentName,
	})
	if err != nil {
		return err
	}
	return b.do(httpReq, nil)
}

// Stream dials a websocket on the runner's internal exec endpoint,
// sends cmd as the first message, and re-emits each subsequent message
// as a bridge.Event on the returned channel, closing it after the
// first terminal event (done, error, or exec_result) per the bridge
// taxonomy (§4.6: "same event taxonomy as the bridge is preserved
// because SDK payloads pass through verbatim"). A persistent socket is
// used instead of one HTTP round trip per line, grounded on the same
// nhooyr.io/websocket client the pack uses for its own agent tunnel.
func (b *RemoteRunnerBackend) Stream(ctx context.Context, sandboxID string, cmd StreamCommand) (<-chan bridge.Event, error) {
	wsURL := strings.Replace(b.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/runner/sandboxes/" + sandboxID + "/cmd"

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + b.bearerSecret}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("dial internal runner stream: %w", err)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("encode stream command: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("send stream command: %w", err)
	}

	out := make(chan bridge.Event, 16)
	go func() {
		defer conn.CloseNow()
		defer close(out)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ev bridge.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				ev = bridge.Event{Type: bridge.EventError, Error: fmt.Sprintf("malformed stream frame: %v", err)}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}
