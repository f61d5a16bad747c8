// ABOUTME: Tests for template loading and prompt assembly
// ABOUTME: Uses real TOML fixtures written to a temp dir

package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/queue"
)

func TestLoadTemplate(t *testing.T) {
	t.Run("reads all fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "template.toml")
		content := `
name = "backend"
description = "Server-side services and data stores"
prompt = "You are a senior backend engineer working on service code."
focus = ["REST APIs", "database schemas", "message queues"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		tmpl, err := LoadTemplate(path)
		require.NoError(t, err)
		require.NotNil(t, tmpl)
		assert.Equal(t, "backend", tmpl.Name)
		assert.Equal(t, "Server-side services and data stores", tmpl.Description)
		assert.Contains(t, tmpl.Prompt, "senior backend engineer")
		assert.Equal(t, []string{"REST APIs", "database schemas", "message queues"}, tmpl.Focus)
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		tmpl, err := LoadTemplate(filepath.Join(t.TempDir(), "absent.toml"))
		require.NoError(t, err)
		assert.Nil(t, tmpl)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "template.toml")
		require.NoError(t, os.WriteFile(path, []byte("focus = not-a-list"), 0644))

		_, err := LoadTemplate(path)
		assert.Error(t, err)
	})
}

func TestBuildPrompt(t *testing.T) {
	msg := &queue.TaskMessage{
		TaskID: "task-1",
		Payload: queue.Payload{
			Description:  "Create the users API",
			Requirements: []string{"REST endpoints", "input validation"},
			Context:      queue.Values{"service": "users"},
		},
	}

	t.Run("default preamble", func(t *testing.T) {
		prompt := BuildPrompt("backend", nil, msg)

		assert.True(t, strings.HasPrefix(prompt, "You are a backend domain specialist."))
		assert.Contains(t, prompt, "## Task\nCreate the users API")
		assert.Contains(t, prompt, "## Requirements\n- REST endpoints\n- input validation")
		assert.Contains(t, prompt, "## Context")
		assert.Contains(t, prompt, `"service": "users"`)
		assert.Contains(t, prompt, "## Instructions")
		assert.Contains(t, prompt, "Work in /workspace directory.")
	})

	t.Run("template overrides preamble and adds focus", func(t *testing.T) {
		tmpl := &Template{
			Prompt: "You are a senior backend engineer.",
			Focus:  []string{"REST APIs", "database schemas"},
		}
		prompt := BuildPrompt("backend", tmpl, msg)

		assert.True(t, strings.HasPrefix(prompt, "You are a senior backend engineer."))
		assert.NotContains(t, prompt, "domain specialist")
		assert.Contains(t, prompt, "## Focus\n- REST APIs\n- database schemas")
	})

	t.Run("sections for empty fields are omitted", func(t *testing.T) {
		bare := &queue.TaskMessage{TaskID: "task-2"}
		prompt := BuildPrompt("frontend", nil, bare)

		assert.Contains(t, prompt, "No description provided")
		assert.NotContains(t, prompt, "## Requirements")
		assert.NotContains(t, prompt, "## Context")
		assert.NotContains(t, prompt, "## Focus")
	})
}
