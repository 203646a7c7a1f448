package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config 出站 webhook 客户端配置
type Config struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	UserAgent  string        `yaml:"user_agent"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:    10 * time.Second,
		MaxRetries: 0,
		UserAgent:  "Inspora-Webhook/1.0",
	}
}

// Request describes one outbound webhook call.
type Request struct {
	URL     string                 `json:"url"`
	Method  string                 `json:"method"`
	Headers map[string]string      `json:"headers"`
	Payload map[string]interface{} `json:"payload"`
}

// Client 出站 webhook HTTP 客户端。传输层的超时/重试与引擎
// 动作级重试相互独立。
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建 webhook 客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// Send performs the webhook call. Non-2xx responses are errors.
func (c *Client) Send(ctx context.Context, req *Request) error {
	if req == nil || req.URL == "" {
		return fmt.Errorf("webhook url required")
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if req.Payload != nil {
		bodyBytes, err := json.Marshal(req.Payload)
		if err != nil {
			return fmt.Errorf("marshal webhook payload: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	var lastErr error
	attempts := c.config.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		lastErr = c.doRequest(httpReq)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 重建 body 以便重试
		if req.Payload != nil {
			bodyBytes, _ := json.Marshal(req.Payload)
			bodyReader = bytes.NewReader(bodyBytes)
		}
	}
	return lastErr
}

func (c *Client) doRequest(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read webhook response: %w", err)
	}

	c.logger.Debugf("webhook %s %s -> %d", req.Method, req.URL.String(), resp.StatusCode)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
