package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"rent-radar/internal/fetcher"
	"rent-radar/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config 定义列表抓取配置。
type Config struct {
	BaseURL           string `yaml:"base_url" json:"base_url"`
	PageSize          int    `yaml:"page_size" json:"page_size"`
	MaxAttempts       int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff           string `yaml:"backoff" json:"backoff"`
	DetailConcurrency int    `yaml:"detail_concurrency" json:"detail_concurrency"`
	LinkSelector      string `yaml:"link_selector" json:"link_selector"`
}

const (
	defaultPageSize     = 20
	defaultConcurrency  = 4
	defaultLinkSelector = `a[data-listing-link], article a[href], .listing a[href]`
)

// ErrStop 回调返回该错误时立即结束抓取，不视为失败。
var ErrStop = errors.New("stop crawl")

// ErrNoRegions 搜索条件没有地区。
var ErrNoRegions = errors.New("criteria has no regions")

// Extractor 抽取单个房源页面。
type Extractor interface {
	Extract(raw []byte, sourceURL string) (model.Listing, error)
}

// Recorder 接收抓取过程的计数，用于指标上报。
type Recorder interface {
	PageFetch(result string)
	Listing(stage string)
}

type nopRecorder struct{}

func (nopRecorder) PageFetch(string) {}
func (nopRecorder) Listing(string)   {}

// Stats 单次抓取的统计。
type Stats struct {
	Pages      int `json:"pages"`
	PageErrors int `json:"page_errors"`
	Links      int `json:"links"`
	Found      int `json:"found"`
	Failed     int `json:"failed"`
	Filtered   int `json:"filtered"`
}

// Result 收集后的抓取结果。
type Result struct {
	Listings []model.Listing
	Stats    Stats
}

// Crawler 按搜索条件翻页收集房源链接并逐个抽取。每次调用互不共享状态。
type Crawler struct {
	fetcher   fetcher.Fetcher
	extractor Extractor
	cfg       Config
	base      *url.URL
	policy    fetcher.RetryPolicy
	sleep     func(context.Context, time.Duration) error
	recorder  Recorder
	logger    zerolog.Logger
}

// New 创建 Crawler；cfg.BaseURL 为列表页根地址，如 https://www.daft.ie/property-for-rent。
func New(f fetcher.Fetcher, ex Extractor, cfg Config, logger zerolog.Logger) (*Crawler, error) {
	base, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = defaultConcurrency
	}
	if strings.TrimSpace(cfg.LinkSelector) == "" {
		cfg.LinkSelector = defaultLinkSelector
	}
	policy := fetcher.DefaultRetryPolicy
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if d, err := time.ParseDuration(cfg.Backoff); err == nil && d > 0 {
		policy.BaseDelay = d
	}
	return &Crawler{
		fetcher:   f,
		extractor: ex,
		cfg:       cfg,
		base:      base,
		policy:    policy,
		sleep:     fetcher.SleepContext,
		recorder:  nopRecorder{},
		logger:    logger.With().Str("component", "crawler").Logger(),
	}, nil
}

// SetRecorder 设置指标接收方。
func (c *Crawler) SetRecorder(r Recorder) {
	if r != nil {
		c.recorder = r
	}
}

// Crawl 抓取并收集全部结果。
func (c *Crawler) Crawl(ctx context.Context, criteria model.SearchCriteria) (Result, error) {
	var res Result
	stats, err := c.Each(ctx, criteria, func(l model.Listing) error {
		res.Listings = append(res.Listings, l)
		return nil
	})
	res.Stats = stats
	return res, err
}

// Each 先翻页收集链接，再分批抽取，按链接顺序回调 fn。
// 单页或单个房源失败只计数；只有上下文取消会以错误返回。
func (c *Crawler) Each(ctx context.Context, criteria model.SearchCriteria, fn func(model.Listing) error) (Stats, error) {
	var stats Stats
	if len(criteria.Regions) == 0 {
		return stats, ErrNoRegions
	}
	start := time.Now()

	links, err := c.collectLinks(ctx, criteria, &stats)
	if err != nil {
		return stats, err
	}
	stats.Links = len(links)

	for batchStart := 0; batchStart < len(links); batchStart += c.cfg.DetailConcurrency {
		end := min(batchStart+c.cfg.DetailConcurrency, len(links))
		batch := c.extractBatch(ctx, links[batchStart:end])
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		for _, d := range batch {
			switch {
			case d.err != nil:
				stats.Failed++
				c.recorder.Listing("failed")
				c.logger.Debug().Str("url", d.url).Err(d.err).Msg("listing skipped")
				continue
			case !matches(d.listing, criteria):
				stats.Filtered++
				c.recorder.Listing("filtered")
				continue
			}
			stats.Found++
			c.recorder.Listing("extracted")
			if err := fn(d.listing); err != nil {
				if errors.Is(err, ErrStop) {
					return stats, nil
				}
				return stats, err
			}
		}
	}

	c.logger.Info().
		Strs("regions", criteria.Regions).
		Int("pages", stats.Pages).
		Int("links", stats.Links).
		Int("found", stats.Found).
		Int("failed", stats.Failed).
		Int("filtered", stats.Filtered).
		Dur("elapsed", time.Since(start)).
		Msg("crawl done")
	return stats, nil
}

// collectLinks 翻页收集规范化后的房源链接，跨页去重。MaxPages 是整次抓取的搜索页预算，各地区共用。
func (c *Crawler) collectLinks(ctx context.Context, criteria model.SearchCriteria, stats *Stats) ([]string, error) {
	budget := criteria.MaxPages
	if budget <= 0 {
		budget = 1
	}
	seen := make(map[string]struct{})
	links := make([]string, 0)
	capReached := func() bool { return criteria.ResultCap > 0 && len(links) >= criteria.ResultCap }

	for _, region := range criteria.Regions {
		if budget == 0 {
			break
		}
		for page := 1; budget > 0 && !capReached(); page++ {
			budget--
			pageURL := c.pageURL(region, page, criteria)
			body, out := c.fetchWithRetry(ctx, pageURL)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !out.OK() {
				stats.PageErrors++
				c.recorder.PageFetch(string(out.Kind))
				c.logger.Warn().Str("region", region).Int("page", page).Int("attempts", out.Attempts).Err(out.Err).Msg("page failed, stop paging")
				break
			}
			stats.Pages++
			c.recorder.PageFetch("ok")

			pageLinks := c.pageLinks(body, pageURL)
			added := 0
			for _, l := range pageLinks {
				if capReached() {
					break
				}
				if _, ok := seen[l]; ok {
					continue
				}
				seen[l] = struct{}{}
				links = append(links, l)
				added++
			}
			c.logger.Debug().Str("region", region).Int("page", page).Int("links", len(pageLinks)).Int("added", added).Msg("page parsed")
			if len(pageLinks) < c.cfg.PageSize {
				break // 不满一页视为最后一页
			}
		}
		if capReached() {
			break
		}
	}
	return links, nil
}

func (c *Crawler) fetchWithRetry(ctx context.Context, pageURL string) ([]byte, fetcher.Outcome) {
	var body []byte
	out := fetcher.Retry(ctx, c.policy, c.sleep, func(ctx context.Context) error {
		b, err := c.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, out
}

func (c *Crawler) pageURL(region string, page int, criteria model.SearchCriteria) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(region, "/")
	u.RawPath = ""
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if criteria.MinBedrooms > 0 {
		q.Set("min_beds", strconv.Itoa(criteria.MinBedrooms))
	}
	if criteria.MaxPrice > 0 {
		q.Set("max_price", strconv.Itoa(criteria.MaxPrice))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// pageLinks 提取一页内同域的房源链接，页内去重并保持顺序。
func (c *Crawler) pageLinks(body []byte, pageURL string) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(pageURL)
	seen := make(map[string]struct{})
	out := make([]string, 0)
	doc.Find(c.cfg.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.HasPrefix(strings.TrimSpace(href), "#") {
			return
		}
		canonical, err := model.CanonicalURL(href, base)
		if err != nil {
			return
		}
		if u, err := url.Parse(canonical); err != nil || !strings.EqualFold(u.Host, c.base.Host) {
			return
		}
		if _, dup := seen[canonical]; dup {
			return
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	})
	return out
}

type detail struct {
	url     string
	listing model.Listing
	err     error
}

// extractBatch 并发抓取一批房源页，结果与输入顺序一致。
func (c *Crawler) extractBatch(ctx context.Context, urls []string) []detail {
	results := make([]detail, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DetailConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("url", u).Msg("panic recovered")
					results[i] = detail{url: u, err: fmt.Errorf("extract panic: %v", rec)}
				}
			}()
			results[i] = c.extractOne(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Crawler) extractOne(ctx context.Context, listingURL string) detail {
	body, out := c.fetchWithRetry(ctx, listingURL)
	if !out.OK() {
		return detail{url: listingURL, err: fmt.Errorf("fetch listing: %w", out.Err)}
	}
	l, err := c.extractor.Extract(body, listingURL)
	if err != nil {
		return detail{url: listingURL, err: err}
	}
	return detail{url: listingURL, listing: l}
}

// matches 已知字段与条件不符时过滤；未知字段不过滤。
func matches(l model.Listing, criteria model.SearchCriteria) bool {
	if criteria.MinBedrooms > 0 && l.Bedrooms != nil && *l.Bedrooms < criteria.MinBedrooms {
		return false
	}
	if criteria.MaxPrice > 0 && l.Price != nil && *l.Price > criteria.MaxPrice {
		return false
	}
	return true
}
