package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zipfiles/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ErrTruncated 表示服务端在发送过程中中止了连接，收到的归档不完整
var ErrTruncated = errors.New("archive transfer was cut short")

// 与服务端约定的 trailer
const (
	trailerErrorCount = "X-Zipfiles-Error-Count"
	trailerErrors     = "X-Zipfiles-Errors"
)

// APIError 是服务端返回的非 200 响应
type APIError struct {
	Status       int             `json:"-"`
	Message      string          `json:"error"`
	Details      json.RawMessage `json:"details,omitempty"`
	MissingFiles []types.FileID  `json:"missingFiles,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// SourceErrors 解析 details (仅 404 "none could be streamed" 时是 SourceError 列表)
func (e *APIError) SourceErrors() []types.SourceError {
	var errs []types.SourceError
	if len(e.Details) == 0 || json.Unmarshal(e.Details, &errs) != nil {
		return nil
	}
	return errs
}

// Result 描述一次成功的下载
type Result struct {
	Bytes      int64
	ErrorCount int
	// Errors 是服务端在 trailer 中附带的失败列表 (可能被截短，ErrorCount 是总数)
	Errors []types.SourceError
}

// Client 封装了与 zipfiles 服务端的连接
type Client struct {
	baseURL string
	http    *http.Client
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
}

// New 创建客户端；grpcAddr 为空时不支持 Health
// 注意：gRPC 连接在后台建立，这里不会因为网络不通而报错
func New(baseURL, grpcAddr string) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	if grpcAddr == "" {
		return c, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// 保持连接活跃
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(grpcAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", grpcAddr, err)
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	return c, nil
}

// Download 请求把 ids 打包，并把归档写进 w
func (c *Client) Download(ctx context.Context, ids []types.FileID, authorization string, w io.Writer) (*Result, error) {
	body, err := json.Marshal(map[string]any{"fileIds": ids})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}

	n, err := io.Copy(w, resp.Body)
	res := &Result{Bytes: n}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return res, fmt.Errorf("%w after %d bytes", ErrTruncated, n)
		}
		return res, err
	}

	// trailer 只有在 body 读完之后才可用
	if v := resp.Trailer.Get(trailerErrorCount); v != "" {
		res.ErrorCount, _ = strconv.Atoi(v)
	}
	if v := resp.Trailer.Get(trailerErrors); v != "" {
		_ = json.Unmarshal([]byte(v), &res.Errors)
	}
	return res, nil
}

// Health 查询 gRPC 健康状态
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if c.health == nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("no grpc address configured")
	}
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Close 关闭底层连接
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
