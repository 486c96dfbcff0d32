package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/agentorch/agentorch/internal/agentdir"
	"github.com/agentorch/agentorch/internal/bridge"
)

// conversation is one resumable thread, keyed by the session resume id
// handed back on its first turn. agentbridge owns resumption, since the
// raw Messages API has no session concept of its own.
type conversation struct {
	mu       sync.Mutex
	messages []anthropic.MessageParam
}

// bridgeProcess is the process-wide state behind the protocol loop: one
// descriptor, one Anthropic client, a map of resumable conversations,
// and whatever query/exec is currently in flight.
type bridgeProcess struct {
	descriptor *agentdir.Descriptor
	workspace  string
	model      string
	client     anthropic.Client

	writeMu sync.Mutex
	out     *bufio.Writer

	convMu sync.Mutex
	convos map[string]*conversation

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func newBridge(d *agentdir.Descriptor, workspace, model string) *bridgeProcess {
	return &bridgeProcess{
		descriptor: d,
		workspace:  workspace,
		model:      model,
		client:     anthropic.NewClient(),
		convos:     make(map[string]*conversation),
	}
}

// run is the protocol loop: it emits ready, then reads one command per
// line until stdin closes. query/resume/exec run in their own goroutine
// so interrupt and shutdown can still be read and acted on while one is
// in flight; only one query/exec may be in flight at a time per
// bridge.Client's contract, so a second one arriving before the first's
// terminal event would be a caller bug, not something agentbridge
// guards against here.
func (b *bridgeProcess) run(r io.Reader, w io.Writer) {
	b.out = bufio.NewWriter(w)
	b.emit(bridge.Event{Type: bridge.EventReady})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), bridge.MaxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var cmd bridge.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			log.Printf("agentbridge: malformed command, dropping: %v", err)
			continue
		}
		b.dispatch(cmd)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("agentbridge: read stdin: %v", err)
	}
}

func (b *bridgeProcess) dispatch(cmd bridge.Command) {
	switch cmd.Type {
	case bridge.CommandQuery, bridge.CommandResume:
		go b.handleQuery(cmd)
	case bridge.CommandExec:
		go b.handleExec(cmd)
	case bridge.CommandInterrupt:
		b.interruptCurrent()
	case bridge.CommandShutdown:
		b.interruptCurrent()
		b.out.Flush()
		os.Exit(0)
	default:
		b.emit(bridge.Event{Type: bridge.EventError, ID: cmd.ID, Error: fmt.Sprintf("unknown command %q", cmd.Type)})
	}
}

func (b *bridgeProcess) interruptCurrent() {
	b.cancelMu.Lock()
	cancel := b.cancel
	b.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *bridgeProcess) setCancel(cancel context.CancelFunc) {
	b.cancelMu.Lock()
	b.cancel = cancel
	b.cancelMu.Unlock()
}

func (b *bridgeProcess) clearCancel() {
	b.cancelMu.Lock()
	b.cancel = nil
	b.cancelMu.Unlock()
}

func (b *bridgeProcess) conversationFor(id string) *conversation {
	b.convMu.Lock()
	defer b.convMu.Unlock()
	c, ok := b.convos[id]
	if !ok {
		c = &conversation{}
		b.convos[id] = c
	}
	return c
}

// queryOptions is the per-call override a client may pass in a query
// command's Options field (bridge wire schema, spec.md §4.3 addendum).
// Unrecognized or absent fields leave the default in place.
type queryOptions struct {
	MaxTokens int64 `json:"maxTokens"`
}

func parseQueryOptions(raw json.RawMessage) queryOptions {
	var opts queryOptions
	if len(raw) == 0 {
		return opts
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		log.Printf("agentbridge: ignoring malformed query options: %v", err)
	}
	return opts
}

// handleQuery drives one turn of the conversation through the
// streaming Messages API, relaying each text delta as its own message
// event before a single terminal done or error event.
//
// Tool use is not wired to agentdir's AllowedTools/DeniedTools/
// MCPServers here: those fields round-trip through the descriptor but
// nothing in this turn offers the model a tool_use block yet. exec is
// the only way an agent touches the host, via a separate command.
func (b *bridgeProcess) handleQuery(cmd bridge.Command) {
	ctx, cancel := context.WithCancel(context.Background())
	b.setCancel(cancel)
	defer func() {
		b.clearCancel()
		cancel()
	}()

	resumeID := cmd.SessionResumeID
	if resumeID == "" {
		resumeID = uuid.NewString()
	}
	conv := b.conversationFor(resumeID)

	conv.mu.Lock()
	conv.messages = append(conv.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(cmd.Prompt)))
	history := append([]anthropic.MessageParam(nil), conv.messages...)
	conv.mu.Unlock()

	maxTokens := int64(4096)
	if opts := parseQueryOptions(cmd.Options); opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: b.descriptor.SystemPrompt},
		},
		Messages: history,
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	assembled := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := assembled.Accumulate(event); err != nil {
			log.Printf("agentbridge: accumulate stream event: %v", err)
			continue
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
				b.emitMessage(cmd.ID, resumeID, text.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			b.emit(bridge.Event{Type: bridge.EventError, ID: cmd.ID, SessionID: resumeID, Error: "interrupted"})
			return
		}
		b.emit(bridge.Event{Type: bridge.EventError, ID: cmd.ID, SessionID: resumeID, Error: err.Error()})
		return
	}

	conv.mu.Lock()
	conv.messages = append(conv.messages, assembled.ToParam())
	conv.mu.Unlock()

	b.emit(bridge.Event{Type: bridge.EventDone, ID: cmd.ID, SessionID: resumeID})
}

func (b *bridgeProcess) emitMessage(id, sessionID, text string) {
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		log.Printf("agentbridge: marshal message payload: %v", err)
		return
	}
	b.emit(bridge.Event{Type: bridge.EventMessage, ID: id, SessionID: sessionID, Data: data})
}

// handleExec runs an arbitrary shell command in the sandbox workspace,
// separate from the agent's own model turns (spec.md §4.3 "exec").
func (b *bridgeProcess) handleExec(cmd bridge.Command) {
	ctx, cancel := context.WithCancel(context.Background())
	if cmd.ExecTimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(cmd.ExecTimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}
	b.setCancel(cancel)
	defer func() {
		b.clearCancel()
		cancel()
	}()

	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd.ExecCommand)
	execCmd.Dir = b.workspace

	var stdout, stderr strings.Builder
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	runErr := execCmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			b.emit(bridge.Event{Type: bridge.EventError, ID: cmd.ID, Error: runErr.Error()})
			return
		}
	}

	b.emit(bridge.Event{
		Type:     bridge.EventExecResult,
		ID:       cmd.ID,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
}

func (b *bridgeProcess) emit(ev bridge.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		log.Printf("agentbridge: marshal event: %v", err)
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.out.Write(line)
	b.out.WriteByte('\n')
	b.out.Flush()
}
