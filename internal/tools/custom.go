package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
)

// CustomTool runs a config-declared shell command, passing the tool
// arguments as JSON on stdin.
type CustomTool struct {
	name        string
	description string
	command     string
}

// NewCustomTool creates a tool from a config entry.
func NewCustomTool(cfg config.CustomToolConfig) *CustomTool {
	return &CustomTool{
		name:        cfg.Name,
		description: cfg.Description,
		command:     cfg.Command,
	}
}

func (t *CustomTool) Name() string        { return t.name }
func (t *CustomTool) Description() string { return t.description }

func (t *CustomTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"args": map[string]any{
				"type":        "object",
				"description": "Arguments passed to the command as JSON on stdin",
			},
		},
	}
}

func (t *CustomTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", t.command)
	cmd.Stdin = strings.NewReader(string(input))

	L_debug("tools: running custom command", "name", t.name)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return map[string]any{"output": strings.TrimSpace(string(out))}, nil
}
