// Command agentbridge is the process a launcher spawns inside a
// sandbox. It speaks the line-framed JSON protocol over stdin/stdout
// (spec.md §4.3, §6.2) and drives the Anthropic Messages API on the
// agent's behalf, using the descriptor the launcher pointed it at.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/agentorch/agentorch/internal/agentdir"
)

func main() {
	workspace := flag.String("workspace", "", "path to the sandbox's live workspace directory")
	agentPath := flag.String("agent", "", "path to the agent's descriptor directory")
	flag.Parse()

	if *workspace == "" || *agentPath == "" {
		fmt.Fprintln(os.Stderr, "agentbridge: --workspace and --agent are required")
		os.Exit(1)
	}

	agentName := os.Getenv("AGENT_NAME")
	tenantID := os.Getenv("TENANT_ID")
	agentVersion, _ := strconv.ParseInt(os.Getenv("AGENT_VERSION"), 10, 64)

	descriptor, err := agentdir.Load(agentName, *agentPath, agentVersion, tenantID)
	if err != nil {
		log.Fatalf("agentbridge: load agent descriptor: %v", err)
	}

	if err := os.Chdir(*workspace); err != nil {
		log.Fatalf("agentbridge: chdir to workspace: %v", err)
	}

	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	b := newBridge(descriptor, *workspace, model)
	b.run(os.Stdin, os.Stdout)
}
