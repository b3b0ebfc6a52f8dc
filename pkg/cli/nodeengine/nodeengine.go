package nodeengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/LENAX/node-engine/pkg/api/dto"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// APIError 服务端返回的错误
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// NodeEngine HTTP API客户端
type NodeEngine struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建NodeEngine客户端
func New(baseURL string) *NodeEngine {
	return &NodeEngine{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ========== Execution API ==========

// Submit 提交Workflow快照
func (n *NodeEngine) Submit(ctx context.Context, snapshot *types.WorkflowSnapshot) (*dto.SubmitResponse, error) {
	var resp dto.APIResponse[dto.SubmitResponse]
	if err := n.do(ctx, http.MethodPost, "/api/v1/executions", dto.SubmitRequest{Snapshot: snapshot}, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetExecution 获取Execution详情
func (n *NodeEngine) GetExecution(ctx context.Context, id string) (*dto.ExecutionDetail, error) {
	var resp dto.APIResponse[dto.ExecutionDetail]
	if err := n.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CancelExecution 取消Execution
func (n *NodeEngine) CancelExecution(ctx context.Context, id string) (*dto.CancelResponse, error) {
	var resp dto.APIResponse[dto.CancelResponse]
	if err := n.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== DLQ API ==========

// ListDLQ 列出死信
func (n *NodeEngine) ListDLQ(ctx context.Context, limit int) (*dto.ListResponse[dto.DeadLetterSummary], error) {
	path := "/api/v1/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp dto.APIResponse[dto.ListResponse[dto.DeadLetterSummary]]
	if err := n.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetDLQEntry 获取单条死信
func (n *NodeEngine) GetDLQEntry(ctx context.Context, id string) (*dto.DeadLetterSummary, error) {
	var resp dto.APIResponse[dto.DeadLetterSummary]
	if err := n.do(ctx, http.MethodGet, "/api/v1/dlq/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ReplayDLQ 重放死信
func (n *NodeEngine) ReplayDLQ(ctx context.Context, id string) (*dto.ReplayResponse, error) {
	var resp dto.APIResponse[dto.ReplayResponse]
	if err := n.do(ctx, http.MethodPost, "/api/v1/dlq/"+url.PathEscape(id)+"/replay", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== Queue / Health API ==========

// QueueStats 队列统计
func (n *NodeEngine) QueueStats(ctx context.Context) (*dto.QueueStatsResponse, error) {
	var resp dto.APIResponse[dto.QueueStatsResponse]
	if err := n.do(ctx, http.MethodGet, "/api/v1/queue/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Health 健康检查
func (n *NodeEngine) Health(ctx context.Context) (*dto.HealthResponse, error) {
	var resp dto.APIResponse[dto.HealthResponse]
	if err := n.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== HTTP Methods ==========

func (n *NodeEngine) do(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	return parseResponse(resp, result)
}

func parseResponse(resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var head dto.APIResponse[json.RawMessage]
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	if resp.StatusCode >= http.StatusBadRequest || head.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: head.Code, Message: head.Message}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	return nil
}
