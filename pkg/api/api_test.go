package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/api/dto"
	"github.com/LENAX/node-engine/pkg/api/middleware"
	"github.com/LENAX/node-engine/pkg/config"
	"github.com/LENAX/node-engine/pkg/core/engine"
	"github.com/LENAX/node-engine/pkg/core/registry"
	"github.com/LENAX/node-engine/pkg/core/types"
)

type fixture struct {
	eng     *engine.Engine
	router  *gin.Engine
	healthy *atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	ne := &cfg.NodeEngine
	ne.General.LogLevel = "warn"
	ne.Queue.PollInterval = 10 * time.Millisecond
	ne.Execution.Retry.BaseDelay = 10 * time.Millisecond
	ne.Execution.Retry.MaxDelay = 50 * time.Millisecond
	ne.Scheduler.Mode = "node"
	ne.Janitor.Enabled = false

	healthy := &atomic.Bool{}
	healthy.Store(true)
	ok := func(_ context.Context, spec types.NodeSpec, _ map[string]any, _ *registry.ExecContext) (map[string]any, error) {
		return map[string]any{"node": spec.ID}, nil
	}
	gated := func(_ context.Context, spec types.NodeSpec, _ map[string]any, _ *registry.ExecContext) (map[string]any, error) {
		if !healthy.Load() {
			return nil, types.NewValidationError("参数非法", nil)
		}
		return map[string]any{"node": spec.ID}, nil
	}
	eng, err := engine.NewEngineBuilderWithConfig(cfg).
		WithExecutorFunc("ok", ok).
		WithExecutorFunc("gated", gated).
		Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return &fixture{eng: eng, router: SetupRouter(eng, "test"), healthy: healthy}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) dto.APIResponse[T] {
	t.Helper()
	var resp dto.APIResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "响应应为合法JSON: %s", w.Body.String())
	return resp
}

func (f *fixture) submit(t *testing.T, snapshot *types.WorkflowSnapshot) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/executions", dto.SubmitRequest{Snapshot: snapshot})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	return decode[dto.SubmitResponse](t, w).Data.ExecutionID
}

func (f *fixture) waitStatus(t *testing.T, id string, want types.ExecutionStatus) dto.ExecutionDetail {
	t.Helper()
	var detail dto.ExecutionDetail
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/v1/executions/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		detail = decode[dto.ExecutionDetail](t, w).Data
		return detail.Status == string(want)
	}, 5*time.Second, 10*time.Millisecond, "Execution %s 未达到状态 %s", id, want)
	return detail
}

func pair(second string) *types.WorkflowSnapshot {
	return &types.WorkflowSnapshot{
		WorkflowID: "api-" + second,
		Nodes:      []types.NodeSpec{{ID: "A", Type: "ok"}, {ID: "B", Type: second}},
		Edges:      []types.Edge{{From: "A", To: "B"}},
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[dto.HealthResponse](t, w).Data
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.True(t, health.Running)

	w = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecutionLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, pair("ok"))

	detail := f.waitStatus(t, id, types.ExecutionSuccess)
	assert.Equal(t, string(types.ModeNodeLevel), detail.Mode)
	assert.Equal(t, 2, detail.Progress.Total)
	assert.Equal(t, 2, detail.Progress.Completed)
	assert.Len(t, detail.Nodes, 2)

	w := f.do(t, http.MethodPost, "/api/v1/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "已成功的Execution不能取消")

	w = f.do(t, http.MethodGet, "/api/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 404, decode[any](t, w).Code)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "缺少snapshot")

	w = f.do(t, http.MethodPost, "/api/v1/executions", dto.SubmitRequest{
		Snapshot: &types.WorkflowSnapshot{WorkflowID: "empty"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "没有节点的快照应被拒绝")
}

func TestDLQReplayFlow(t *testing.T) {
	f := newFixture(t)
	f.healthy.Store(false)
	id := f.submit(t, pair("gated"))
	f.waitStatus(t, id, types.ExecutionFailed)

	w := f.do(t, http.MethodGet, "/api/v1/dlq?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListResponse[dto.DeadLetterSummary]](t, w).Data
	require.Equal(t, 1, list.Total)
	entry := list.Items[0]
	assert.Equal(t, id, entry.ExecutionID)
	assert.Equal(t, "B", entry.NodeID)
	assert.Equal(t, string(types.ErrorKindValidation), entry.ErrorKind)

	w = f.do(t, http.MethodGet, "/api/v1/dlq/"+entry.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.healthy.Store(true)
	w = f.do(t, http.MethodPost, "/api/v1/dlq/"+entry.ID+"/replay", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replay := decode[dto.ReplayResponse](t, w).Data
	assert.True(t, replay.Resumed)
	assert.NotEqual(t, id, replay.ExecutionID)

	detail := f.waitStatus(t, replay.ExecutionID, types.ExecutionSuccess)
	assert.Equal(t, id, detail.ResumedFrom)

	w = f.do(t, http.MethodPost, "/api/v1/dlq/"+entry.ID+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "死信重放后应被清除")

	w = f.do(t, http.MethodGet, "/api/v1/dlq?limit=0", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/dlq?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueStats(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[dto.QueueStatsResponse](t, w).Data
	assert.Equal(t, stats.Ready+stats.Delayed+stats.Leased, stats.Depth)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.Recovery(), middleware.Logger())
	router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 500, decode[any](t, w).Code)
}

func TestAPIServerServeAndShutdown(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewAPIServer(f.eng, ServerConfigFrom(config.APIConfig{Host: "127.0.0.1"}), "test")
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	url := fmt.Sprintf("http://%s/health", ln.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ln.Addr().String(), srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestServerConfigFrom(t *testing.T) {
	sc := ServerConfigFrom(config.APIConfig{})
	assert.Equal(t, DefaultServerConfig(), sc)

	sc = ServerConfigFrom(config.APIConfig{Host: "127.0.0.1", Port: 9090})
	assert.Equal(t, "127.0.0.1", sc.Host)
	assert.Equal(t, 9090, sc.Port)
}
