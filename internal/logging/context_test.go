package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLine parses the single JSON log line written to buf.
func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	return line
}

// correlation returns the correlation attributes present in a decoded line.
func correlation(line map[string]any) map[string]string {
	out := map[string]string{}
	for _, k := range []string{"workflow_id", "node_id", "task_id", "agent_id"} {
		if v, ok := line[k].(string); ok {
			out[k] = v
		}
	}
	return out
}

func TestCorrelationContexts(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() context.Context
		want map[string]string
	}{
		{
			name: "background",
			ctx:  context.Background,
			want: map[string]string{},
		},
		{
			name: "standalone task bound to an agent",
			ctx: func() context.Context {
				return WithAgentID(WithTask(context.Background(), "task_1700000000000_ab12cd34e", "", ""), "writer-1")
			},
			want: map[string]string{"task_id": "task_1700000000000_ab12cd34e", "agent_id": "writer-1"},
		},
		{
			name: "workflow step",
			ctx: func() context.Context {
				return WithTask(context.Background(), "task_7", "review", "publish")
			},
			want: map[string]string{"workflow_id": "review", "node_id": "publish", "task_id": "task_7"},
		},
		{
			name: "condition node",
			ctx: func() context.Context {
				return WithNodeID(WithWorkflowID(context.Background(), "review"), "check")
			},
			want: map[string]string{"workflow_id": "review", "node_id": "check"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx()
			assert.Equal(t, tt.want["workflow_id"], WorkflowID(ctx))
			assert.Equal(t, tt.want["node_id"], NodeID(ctx))
			assert.Equal(t, tt.want["task_id"], TaskID(ctx))
			assert.Equal(t, tt.want["agent_id"], AgentID(ctx))

			var viaHandler bytes.Buffer
			New(&viaHandler, "debug", "json").InfoContext(ctx, "task bound")
			assert.Equal(t, tt.want, correlation(decodeLine(t, &viaHandler)))

			var viaLogWith bytes.Buffer
			plain := slog.New(slog.NewJSONHandler(&viaLogWith, nil))
			LogWith(ctx, plain).Info("task bound")
			assert.Equal(t, tt.want, correlation(decodeLine(t, &viaLogWith)))
		})
	}
}

func TestWithTask_EmptyValuesKeepOuterIDs(t *testing.T) {
	ctx := WithTask(context.Background(), "task_3", "pipeline", "draft")
	ctx = WithTask(ctx, "", "", "")

	assert.Equal(t, "task_3", TaskID(ctx))
	assert.Equal(t, "pipeline", WorkflowID(ctx))
	assert.Equal(t, "draft", NodeID(ctx))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"trace":   slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")

	ctx := WithTask(context.Background(), "task_9", "review", "rework")
	logger.InfoContext(ctx, "task enqueued")
	logger.WarnContext(ctx, "persist task failed")

	out := buf.String()
	assert.NotContains(t, out, "task enqueued", "below the configured level")
	assert.Contains(t, out, "persist task failed")
	assert.Contains(t, out, "workflow_id=review node_id=rework task_id=task_9")
}

func TestCorrelationHandler_KeepsComponentAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json").With(slog.String("component", "dispatcher"))

	logger.InfoContext(WithAgentID(context.Background(), "coder"), "agent idle")

	line := decodeLine(t, &buf)
	assert.Equal(t, "dispatcher", line["component"])
	assert.Equal(t, "coder", line["agent_id"])
}

func TestCorrelationHandler_Group(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json").WithGroup("run")

	logger.InfoContext(WithWorkflowID(context.Background(), "review"), "node skipped", "reason", "branch not taken")

	line := decodeLine(t, &buf)
	group, ok := line["run"].(map[string]any)
	require.True(t, ok, buf.String())
	assert.Equal(t, "branch not taken", group["reason"])
	assert.Equal(t, "review", group["workflow_id"])
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
	assert.NotPanics(t, func() { logger.Error("dropped", "task_id", strings.Repeat("x", 8)) })
}
