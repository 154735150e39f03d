// Package httpstore 通过 REST 接口访问权威项目存储
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/pkg/circuitbreaker"
	"projectplanner/pkg/metrics"
	"projectplanner/pkg/trace"
	"projectplanner/pkg/util"
)

const backendName = "http"

var resources = map[model.Kind]string{
	model.KindProject:    "/api/projects/",
	model.KindStage:      "/api/stages/",
	model.KindAssignment: "/api/project-tasks/",
	model.KindTask:       "/api/tasks/",
	model.KindProgrammer: "/api/programmers/",
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// TokenSecret 非空时每个请求携带 Bearer 服务 token
	TokenSecret string
	TokenTTL    time.Duration
	ServiceName string
	Breaker     *circuitbreaker.Config
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker // 熔断器
	logger     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "projectplanner"
	}

	cbConfig := circuitbreaker.DefaultConfig()
	if cfg.Breaker != nil {
		cbConfig = *cfg.Breaker
	}
	// 只有 5xx、网络错误等可重试错误计入熔断；404/409 是正常应答
	cbConfig.IsFailure = func(err error) bool {
		retryable, _ := util.IsRetryableError(err)
		return retryable
	}
	cbConfig.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("Remote store circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         circuitbreaker.NewCircuitBreaker(cbConfig),
		logger:     logger,
	}, nil
}

func (c *Client) Create(ctx context.Context, payload model.Entity) (model.Entity, error) {
	kind := payload.EntityKind()
	path, err := resourcePath(kind, 0)
	if err != nil {
		return nil, err
	}
	return c.doEntity(ctx, http.MethodPost, remote.OpCreate, kind, 0, path, payload)
}

func (c *Client) Update(ctx context.Context, id int64, payload model.Entity) (model.Entity, error) {
	kind := payload.EntityKind()
	path, err := resourcePath(kind, id)
	if err != nil {
		return nil, err
	}
	return c.doEntity(ctx, http.MethodPut, remote.OpUpdate, kind, id, path, payload)
}

func (c *Client) Delete(ctx context.Context, kind model.Kind, id int64) error {
	path, err := resourcePath(kind, id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, remote.OpDelete, kind, id, path, nil)
	return err
}

func (c *Client) Get(ctx context.Context, kind model.Kind, id int64) (model.Entity, error) {
	path, err := resourcePath(kind, id)
	if err != nil {
		return nil, err
	}
	return c.doEntity(ctx, http.MethodGet, remote.OpGet, kind, id, path, nil)
}

// LoadProject 读取 /api/projects/{id} 的详情应答，其中已嵌套阶段和 project_tasks。
// 远程的阶段列表接口忽略 project_id，且没有 project-tasks 列表接口
func (c *Client) LoadProject(ctx context.Context, projectID int64) (model.Project, error) {
	e, err := c.Get(ctx, model.KindProject, projectID)
	if err != nil {
		return model.Project{}, err
	}
	return remote.As[model.Project](remote.OpGet, model.KindProject, projectID, e)
}

func (c *Client) List(ctx context.Context, kind model.Kind, filter remote.Filter) ([]model.Entity, error) {
	path, err := resourcePath(kind, 0)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if filter.ProjectID != 0 {
		q.Set("project_id", strconv.FormatInt(filter.ProjectID, 10))
	}
	if filter.StageID != 0 {
		q.Set("stage_id", strconv.FormatInt(filter.StageID, 10))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, remote.OpList, kind, 0, path, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeList(kind, body)
	if err != nil {
		return nil, remote.NewRequestError(remote.OpList, kind, 0, 0, "decode response", err)
	}
	return out, nil
}

// Ping 检查远程服务健康接口
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping remote store: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote store health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doEntity(ctx context.Context, method string, op remote.Op, kind model.Kind, id int64, path string, payload model.Entity) (model.Entity, error) {
	var in any
	if payload != nil {
		in = payload
	}
	body, err := c.do(ctx, method, op, kind, id, path, in)
	if err != nil {
		return nil, err
	}
	e, err := decodeEntity(kind, body)
	if err != nil {
		return nil, remote.NewRequestError(op, kind, id, 0, "decode response", err)
	}
	return e, nil
}

// do 发送请求并返回 2xx 响应体；其它情况统一转换为 *remote.RequestError
func (c *Client) do(ctx context.Context, method string, op remote.Op, kind model.Kind, id int64, path string, in any) ([]byte, error) {
	var respBody []byte

	err := c.cb.Execute(func() error {
		start := time.Now()
		var reader io.Reader
		if in != nil {
			b, err := json.Marshal(in)
			if err != nil {
				return remote.NewRequestError(op, kind, id, 0, "encode request", err)
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return remote.NewRequestError(op, kind, id, 0, "build request", err)
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		// 传播 trace_id
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName(), traceID)
		}
		if c.cfg.TokenSecret != "" {
			token, err := util.GenerateServiceToken(c.cfg.ServiceName, c.cfg.TokenSecret, c.cfg.TokenTTL)
			if err != nil {
				return remote.NewRequestError(op, kind, id, 0, "sign service token", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordRemoteCall(backendName, string(op), string(kind), "error", time.Since(start))
			return remote.NewRequestError(op, kind, id, 0, "", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		metrics.RecordRemoteCall(backendName, string(op), string(kind), strconv.Itoa(resp.StatusCode), time.Since(start))
		if err != nil {
			return remote.NewRequestError(op, kind, id, resp.StatusCode, "read response", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return remote.NewRequestError(op, kind, id, resp.StatusCode, errorDetail(b, resp.Status), nil)
		}
		respBody = b
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		var re *remote.RequestError
		if !errors.As(err, &re) {
			err = remote.NewRequestError(op, kind, id, 0, "", err)
		}
	}
	if err != nil {
		c.logger.Debug("Remote store call failed",
			zap.String("op", string(op)),
			zap.String("kind", string(kind)),
			zap.Int64("id", id),
			zap.Error(err))
		return nil, err
	}
	return respBody, nil
}

func resourcePath(kind model.Kind, id int64) (string, error) {
	base, ok := resources[kind]
	if !ok {
		return "", fmt.Errorf("no remote resource for kind %q", kind)
	}
	if id == 0 {
		return base, nil
	}
	return base + strconv.FormatInt(id, 10), nil
}

// errorDetail 提取 {"detail": "..."} 形式的错误信息
func errorDetail(body []byte, fallback string) string {
	var v struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &v); err == nil && v.Detail != nil {
		if s, ok := v.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(v.Detail); err == nil {
			return string(b)
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 256 {
		return s
	}
	return fallback
}

func decodeEntity(kind model.Kind, body []byte) (model.Entity, error) {
	switch kind {
	case model.KindProject:
		return decodeOne[model.Project](body)
	case model.KindStage:
		return decodeOne[model.Stage](body)
	case model.KindAssignment:
		return decodeOne[model.Assignment](body)
	case model.KindTask:
		return decodeOne[model.TaskCatalogEntry](body)
	case model.KindProgrammer:
		return decodeOne[model.Programmer](body)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func decodeList(kind model.Kind, body []byte) ([]model.Entity, error) {
	switch kind {
	case model.KindProject:
		return decodeMany[model.Project](body)
	case model.KindStage:
		return decodeMany[model.Stage](body)
	case model.KindAssignment:
		return decodeMany[model.Assignment](body)
	case model.KindTask:
		return decodeMany[model.TaskCatalogEntry](body)
	case model.KindProgrammer:
		return decodeMany[model.Programmer](body)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func decodeOne[T model.Entity](body []byte) (model.Entity, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeMany[T model.Entity](body []byte) ([]model.Entity, error) {
	var vs []T
	if err := json.Unmarshal(body, &vs); err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(vs))
	for _, v := range vs {
		out = append(out, v)
	}
	return out, nil
}
