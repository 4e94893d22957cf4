package council

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ModuleCouncil/internal/errors"
)

const defaultHTTPTimeout = 5 * time.Minute

// HTTPConfig 描述远端执行能力的连接参数。
type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPExecutor 将请求以 JSON POST 给远端智能体服务。
type HTTPExecutor struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor 根据配置创建远端执行能力。
func NewHTTPExecutor(cfg HTTPConfig) (*HTTPExecutor, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行能力 URL 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPExecutor{
		url:        url,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type httpRequest struct {
	Role     Role            `json:"role"`
	TenantID string          `json:"tenant_id"`
	ModuleID string          `json:"module_id"`
	RunID    string          `json:"run_id"`
	Step     string          `json:"step"`
	Kind     string          `json:"kind,omitempty"`
	Criteria []string        `json:"criteria,omitempty"`
	Attempt  int             `json:"attempt"`
	Input    map[string]any  `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

type httpResponse struct {
	Output   json.RawMessage `json:"output"`
	Cost     float64         `json:"cost"`
	Tokens   int64           `json:"tokens"`
	Pass     bool            `json:"pass"`
	Feedback string          `json:"feedback"`
}

// Execute 调用远端服务。5xx、429 与网络错误归为 TRANSIENT_API，其余 4xx 归为 VALIDATION_ERROR。
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(httpRequest{
		Role:     req.Role,
		TenantID: req.TenantID,
		ModuleID: req.ModuleID,
		RunID:    req.RunID,
		Step:     req.Step.Name,
		Kind:     req.Step.Kind,
		Criteria: req.Step.Criteria,
		Attempt:  req.Attempt,
		Input:    req.Input,
		Output:   req.Output,
	})
	if err != nil {
		return Response{}, xerrors.Wrap(xerrors.CodeValidation, err, "序列化执行请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, xerrors.Wrap(xerrors.CodeValidation, err, "构建执行请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		var urlErr interface{ Timeout() bool }
		if stdErrors.As(err, &urlErr) && urlErr.Timeout() {
			return Response{}, xerrors.Wrap(xerrors.CodeTimeout, err, "执行能力请求超时")
		}
		return Response{}, xerrors.Wrap(xerrors.CodeTransientAPI, err, "请求执行能力失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := fmt.Sprintf("执行能力返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		code := xerrors.CodeValidation
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			code = xerrors.CodeTransientAPI
		}
		return Response{}, xerrors.New(code, msg, xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, xerrors.Wrap(xerrors.CodeTransientAPI, err, "解析执行能力响应失败")
	}
	return Response{
		Output:   decoded.Output,
		Cost:     decoded.Cost,
		Tokens:   decoded.Tokens,
		Pass:     decoded.Pass,
		Feedback: decoded.Feedback,
	}, nil
}
