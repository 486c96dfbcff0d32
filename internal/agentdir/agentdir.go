// Package agentdir loads Agent descriptors: named, immutable-by-name
// folders containing a system-prompt file and tool configuration
// (spec.md §3).
package agentdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
)

// ErrMissing is returned when an agent's directory does not exist on
// disk, surfacing as AgentDirectoryMissing/AgentMissing up the stack.
var ErrMissing = errors.New("agent directory missing")

const (
	systemPromptFile = "SYSTEM.md"
	toolConfigFile   = "tools.json"
)

// Descriptor is the in-memory view of an Agent's on-disk contents.
type Descriptor struct {
	Name         string
	Path         string
	Version      int64
	TenantID     string
	SystemPrompt string
	ToolConfig   ToolConfig
}

// ToolConfig is the on-disk tool allow/deny and MCP server list for an agent.
type ToolConfig struct {
	AllowedTools []string          `json:"allowedTools,omitempty"`
	DeniedTools  []string          `json:"deniedTools,omitempty"`
	MCPServers   map[string]string `json:"mcpServers,omitempty"`
}

// Load reads an Agent's directory from disk and validates its system
// prompt. Returns ErrMissing if the directory does not exist.
func Load(name, path string, version int64, tenantID string) (*Descriptor, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("stat agent directory: %w", err)
	}

	promptBytes, err := os.ReadFile(filepath.Join(path, systemPromptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", systemPromptFile, ErrMissing)
		}
		return nil, fmt.Errorf("read system prompt: %w", err)
	}

	if err := validateMarkdown(promptBytes); err != nil {
		return nil, fmt.Errorf("system prompt is not valid markdown: %w", err)
	}

	d := &Descriptor{
		Name:         name,
		Path:         path,
		Version:      version,
		TenantID:     tenantID,
		SystemPrompt: string(promptBytes),
	}

	toolPath := filepath.Join(path, toolConfigFile)
	if raw, err := os.ReadFile(toolPath); err == nil {
		if err := json.Unmarshal(raw, &d.ToolConfig); err != nil {
			return nil, fmt.Errorf("parse %s: %w", toolConfigFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", toolConfigFile, err)
	}

	return d, nil
}

// validateMarkdown rejects an empty or whitespace-only system prompt and
// any error goldmark.Convert returns. goldmark renders arbitrary bytes
// without error, so other content, binary data included, is accepted.
func validateMarkdown(src []byte) error {
	if len(strings.TrimSpace(string(src))) == 0 {
		return errors.New("empty system prompt")
	}
	var sb strings.Builder
	if err := goldmark.Convert(src, &sb); err != nil {
		return err
	}
	return nil
}

// Exists reports whether an agent's directory is present on disk,
// without fully loading and validating it.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
