package fetcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// BrowserFetcher 用无头 Chrome 渲染页面后返回 HTML，适用于依赖 JS 渲染的列表页。
// 浏览器进程在首次 Fetch 时启动，每次请求使用独立 tab。
type BrowserFetcher struct {
	userAgent string
	timeout   time.Duration
	settle    time.Duration
	logger    zerolog.Logger

	mu           sync.Mutex
	browserCtx   context.Context
	cancelAlloc  context.CancelFunc
	cancelBrowse context.CancelFunc
}

// NewBrowserFetcher 创建浏览器抓取器。
func NewBrowserFetcher(cfg Config, logger zerolog.Logger) *BrowserFetcher {
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := parseTimeout(cfg.Timeout)
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return &BrowserFetcher{
		userAgent: ua,
		timeout:   timeout,
		settle:    2 * time.Second,
		logger:    logger.With().Str("component", "browser").Logger(),
	}
}

func (b *BrowserFetcher) browser() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		return b.browserCtx
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(b.userAgent),
		chromedp.WindowSize(1280, 900),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowse := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	b.browserCtx, b.cancelAlloc, b.cancelBrowse = browserCtx, cancelAlloc, cancelBrowse
	return browserCtx
}

// Fetch 在新 tab 中打开页面，等待 body 就绪后返回完整 HTML。
func (b *BrowserFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	tab, cancelTab := chromedp.NewContext(b.browser())
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tab, b.timeout)
	defer cancel()

	// 调用方取消时同步关闭 tab
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &FetchError{Kind: Permanent, URL: pageURL, Err: ctx.Err()}
		}
		return nil, &FetchError{Kind: Transient, URL: pageURL, Err: fmt.Errorf("render page: %w", err)}
	}
	b.logger.Debug().Str("url", pageURL).Int("bytes", len(html)).Msg("rendered")
	return []byte(html), nil
}

// Close 关闭浏览器进程。
func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelBrowse != nil {
		b.cancelBrowse()
		b.cancelAlloc()
		b.browserCtx = nil
	}
}
