// ABOUTME: Domain template descriptor and prompt assembly
// ABOUTME: Templates are optional TOML files mounted into the container by the spawner

package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/coven-fleet/internal/queue"
)

// DefaultTemplatePath is where the spawner's read-only template mount
// lands inside a domain container.
const DefaultTemplatePath = "/etc/coven-fleet/template.toml"

// Template customizes how a domain type presents itself to the model.
// All fields are optional; a missing template falls back to a generic
// specialist preamble.
type Template struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Prompt      string   `toml:"prompt"`
	Focus       []string `toml:"focus"`
}

// LoadTemplate reads a template descriptor. A missing file is not an
// error; it returns (nil, nil) so the caller proceeds with defaults.
func LoadTemplate(path string) (*Template, error) {
	var t Template
	if _, err := toml.DecodeFile(path, &t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading template %s: %w", path, err)
	}
	return &t, nil
}

// BuildPrompt renders the model prompt for one task: template preamble
// (or the generic specialist line), focus areas, the task description,
// requirements, structured context, and fixed working instructions.
func BuildPrompt(domainType string, tmpl *Template, msg *queue.TaskMessage) string {
	var b strings.Builder

	preamble := fmt.Sprintf("You are a %s domain specialist.", domainType)
	if tmpl != nil && strings.TrimSpace(tmpl.Prompt) != "" {
		preamble = strings.TrimSpace(tmpl.Prompt)
	}
	b.WriteString(preamble)
	b.WriteString("\n")

	if tmpl != nil && len(tmpl.Focus) > 0 {
		b.WriteString("\n## Focus\n")
		for _, f := range tmpl.Focus {
			b.WriteString("- " + f + "\n")
		}
	}

	description := msg.Payload.Description
	if description == "" {
		description = "No description provided"
	}
	b.WriteString("\n## Task\n")
	b.WriteString(description + "\n")

	if len(msg.Payload.Requirements) > 0 {
		b.WriteString("\n## Requirements\n")
		for _, req := range msg.Payload.Requirements {
			b.WriteString("- " + req + "\n")
		}
	}

	if len(msg.Payload.Context) > 0 {
		b.WriteString("\n## Context\n")
		if data, err := json.MarshalIndent(msg.Payload.Context, "", "  "); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Instructions\n")
	b.WriteString("1. Analyze the task and requirements\n")
	b.WriteString("2. Implement the solution in /workspace\n")
	b.WriteString("3. Create or modify files as needed\n")
	b.WriteString("4. When done, output a JSON summary of what was created or modified\n")
	b.WriteString("\nWork in /workspace directory. Be thorough and complete the task fully.\n")

	return b.String()
}
