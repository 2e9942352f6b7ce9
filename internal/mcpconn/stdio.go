package mcpconn

import (
	"fmt"

	"github.com/mark3labs/mcp-go/client"
)

// NewStdio launches target.Command as a child process and wraps its stdio
// pipes in an MCP session. Env is flattened to "KEY=VALUE" pairs.
func NewStdio(target Target) (Client, error) {
	env := make([]string, 0, len(target.Env))
	for k, v := range target.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	raw, err := client.NewStdioMCPClient(target.Command, env, target.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to construct stdio client for instance %s: %w", target.InstanceID, err)
	}

	return newBaseClient(raw, target.TemplateID, target.InstanceID), nil
}
