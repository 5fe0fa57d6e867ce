// Package acp starts and manages agent subprocesses speaking the agent
// client protocol over stdio, and exposes the HTTP surface the control
// plane uses to deliver tasks to a workspace without a browser.
package acp

import "fmt"

// AgentSpec describes how to launch one supported agent binary and
// which environment variable carries its credential.
type AgentSpec struct {
	Command string
	Args    []string
	EnvKey  string
}

// DefaultCatalog maps the supported agent types to their launchers.
func DefaultCatalog() map[string]AgentSpec {
	return map[string]AgentSpec{
		"claude-code": {
			Command: "claude-code-acp",
			EnvKey:  "ANTHROPIC_API_KEY",
		},
		"openai-codex": {
			Command: "codex-acp",
			EnvKey:  "OPENAI_API_KEY",
		},
		"google-gemini": {
			Command: "gemini",
			Args:    []string{"--experimental-acp"},
			EnvKey:  "GEMINI_API_KEY",
		},
	}
}

// ErrUnknownAgent reports an agent type outside the catalog.
type ErrUnknownAgent struct {
	AgentType string
}

func (e *ErrUnknownAgent) Error() string {
	return fmt.Sprintf("unknown agent type %q", e.AgentType)
}
