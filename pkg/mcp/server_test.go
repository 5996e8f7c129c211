package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoomServer(t *testing.T) {
	s := NewLoomServer(LoomServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewLoomServer(LoomServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	expectedTools := []string{
		"flow.define",
		"flow.start",
		"flow.status",
		"flow.signal",
		"flow.query",
		"flow.graph",
		"task.list",
		"task.complete",
		"flow.schedule",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"define", "flow.define", "Register a workflow definition from its JSON document form"},
		{"start", "flow.start", "Start a workflow instance from a registered definition"},
		{"status", "flow.status", "Get the current state of a workflow instance"},
		{"query", "flow.query", "Query instances, definitions, events, or schedules"},
		{"task_list", "task.list", "List human tasks awaiting resolution"},
		{"task_complete", "task.complete", "Resolve a human task and resume its instance"},
	}

	s := NewLoomServer(LoomServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
