package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/api/dto"
	"github.com/LENAX/node-engine/pkg/cli/output"
)

func run(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	outputJSON = false
	dlqLimit = 20

	var buf bytes.Buffer
	prev := output.Out
	output.Out = &buf
	t.Cleanup(func() { output.Out = prev })

	rootCmd.SetArgs(append(args, "--server", server.URL))
	err := rootCmd.Execute()
	return buf.String(), err
}

func mockServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mux.HandleFunc("/api/v1/executions/exec-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dto.NewSuccessResponse(dto.ExecutionDetail{
			ID:         "exec-1",
			WorkflowID: "wf",
			Mode:       "NodeLevel",
			Status:     "Success",
			Progress:   dto.ProgressInfo{Total: 2, Completed: 2},
			FinishedAt: &finished,
			Nodes: []dto.NodeDetail{
				{NodeID: "A", Status: "Success"},
				{NodeID: "B", Status: "Success", Attempts: 1},
			},
		}))
	})
	mux.HandleFunc("/api/v1/executions/exec-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(dto.NewErrorResponse(409, "Execution已结束"))
	})
	mux.HandleFunc("/api/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		var req dto.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Snapshot.Nodes, 2)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(dto.NewSuccessResponse(dto.SubmitResponse{ExecutionID: "exec-2", Mode: "NodeLevel"}))
	})
	mux.HandleFunc("/api/v1/dlq", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dto.NewSuccessResponse(dto.ListResponse[dto.DeadLetterSummary]{
			Total: 1,
			Items: []dto.DeadLetterSummary{{ID: "dlq-1", ExecutionID: "exec-1", NodeID: "B", ErrorKind: "Validation", Error: "参数非法"}},
		}))
	})
	mux.HandleFunc("/api/v1/dlq/dlq-1/replay", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dto.NewSuccessResponse(dto.ReplayResponse{EntryID: "dlq-1", ExecutionID: "exec-3", Resumed: true, Cleared: 1}))
	})
	mux.HandleFunc("/api/v1/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dto.NewSuccessResponse(dto.QueueStatsResponse{Ready: 2, Leased: 1, Depth: 3}))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestExecutionCommands(t *testing.T) {
	server := mockServer(t)

	out, err := run(t, server, "execution", "status", "exec-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Execution: exec-1")
	assert.Contains(t, out, "Progress:  2/2 (100%)")
	assert.Contains(t, out, "(失败1次)")

	out, err = run(t, server, "status", "exec-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Workflow:  wf")

	out, err = run(t, server, "exec", "cancel", "exec-1")
	assert.Error(t, err)
	assert.Contains(t, out, "取消失败")

	file := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
workflow_id: wf
nodes:
  - id: A
    type: step
  - id: B
    type: step
edges:
  - from: A
    to: B
`), 0o644))
	out, err = run(t, server, "execution", "submit", file)
	require.NoError(t, err)
	assert.Contains(t, out, "exec-2")
}

func TestDLQAndQueueCommands(t *testing.T) {
	server := mockServer(t)

	out, err := run(t, server, "dlq", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "dlq-1")
	assert.Contains(t, out, "总计: 1 条死信")

	out, err = run(t, server, "dlq", "replay", "dlq-1")
	require.NoError(t, err)
	assert.Contains(t, out, "exec-3")

	out, err = run(t, server, "queue", "stats", "--json")
	require.NoError(t, err)
	var stats dto.QueueStatsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.Depth)
}

func TestDecodeSnapshot(t *testing.T) {
	snapshot, err := decodeSnapshot([]byte(`{"workflow_id":"wf","nodes":[{"id":"A","type":"t"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "wf", snapshot.WorkflowID)

	_, err = decodeSnapshot([]byte("workflow_id: wf\n"))
	assert.Error(t, err, "没有节点的快照应该被拒绝")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, mockServer(t), "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
