package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config 定义抓取配置。
type Config struct {
	Mode      string  `yaml:"mode" json:"mode"` // http | browser
	BaseURL   string  `yaml:"base_url" json:"base_url"`
	UserAgent string  `yaml:"user_agent" json:"user_agent"`
	Timeout   string  `yaml:"timeout" json:"timeout"`
	RPS       float64 `yaml:"rps" json:"rps"`
}

// Fetcher 抓取统一接口：给定 URL 返回原始内容或 *FetchError。
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// ErrorKind 区分可重试与不可重试的抓取错误。
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// FetchError 抓取失败，Kind 决定是否重试。
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): status %d", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient 判断错误是否可重试；非 *FetchError 的错误按可重试处理，
// 上下文取消除外。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == Transient
	}
	return true
}

const maxBodyBytes = 8 << 20

// HTTPFetcher 基于 net/http 的抓取实现，可选按 RPS 限速。
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewHTTPFetcher 创建 HTTP 抓取器，client 为空时使用带超时的默认客户端。
func NewHTTPFetcher(cfg Config, client *http.Client, logger zerolog.Logger) *HTTPFetcher {
	timeout := parseTimeout(cfg.Timeout)
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &HTTPFetcher{
		client:    client,
		userAgent: ua,
		timeout:   timeout,
		limiter:   limiter,
		logger:    logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch 发起 GET 请求并按状态码归类错误。
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: Transient, URL: pageURL, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: Permanent, URL: pageURL, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classifyTransportError(err), URL: pageURL, Err: fmt.Errorf("http get: %w", err)}
	}
	defer resp.Body.Close()

	f.logger.Debug().Str("url", pageURL).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("fetched")

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: classifyStatus(resp.StatusCode), URL: pageURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: Transient, URL: pageURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}

func classifyTransportError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	// 重定向目标非法等属于不可重试错误
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && strings.Contains(urlErr.Err.Error(), "redirect") {
		return Permanent
	}
	return Transient
}

func parseTimeout(raw string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	return 15 * time.Second
}

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
