package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"rent-radar/internal/model"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	// ErrMissingTitle 标题缺失，整条记录丢弃。
	ErrMissingTitle = errors.New("title not found")
	// ErrMissingPrice 价格缺失或越界，整条记录丢弃。
	ErrMissingPrice = errors.New("price not found")
	// ErrUnparsable 页面无法解析。
	ErrUnparsable = errors.New("page not parsable")
)

// ExtractionError 记录级抽取失败。
type ExtractionError struct {
	URL     string
	Missing []string
	Err     error
}

func (e *ExtractionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("extract %s: missing %s", e.URL, strings.Join(e.Missing, ","))
	}
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Kind 策略类别。
type Kind string

const (
	KindStructured Kind = "structured"
	KindMarkup     Kind = "markup"
	KindHeading    Kind = "heading"
)

// Candidate 单个策略产出的字段候选，未识别的字段保持零值或 nil。
type Candidate struct {
	Title        string
	Address      string
	Description  string
	Price        *int
	Bedrooms     *int
	Bathrooms    *int
	PropertyType model.PropertyType
	// Studio 标题中出现 studio/bedsit，卧室数直接定为 0
	Studio bool
}

// Page 已解析的页面，供各策略共享。
type Page struct {
	URL  *url.URL
	Raw  []byte
	Doc  *goquery.Document
	Root *html.Node
}

// Strategy 一种抽取策略；resolved 为优先级更高的策略已确认的字段。
type Strategy interface {
	Kind() Kind
	Extract(page *Page, resolved Candidate) Candidate
}

// DefaultStrategies 按优先级排列，新增策略只需追加。
func DefaultStrategies() []Strategy {
	return []Strategy{
		StructuredStrategy{},
		NewMarkupStrategy(),
		HeadingStrategy{},
	}
}

// Extractor 按策略顺序逐字段抽取并校验房源信息。
type Extractor struct {
	strategies []Strategy
	now        func() time.Time
}

// New 创建 Extractor，strategies 为空时使用默认策略。
func New(strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Extractor{strategies: strategies, now: time.Now}
}

// Extract 从原始页面抽取一条房源；缺少标题或价格时返回 *ExtractionError。
func (e *Extractor) Extract(raw []byte, sourceURL string) (model.Listing, error) {
	canonical, err := model.CanonicalURL(sourceURL, nil)
	if err != nil {
		return model.Listing{}, &ExtractionError{URL: sourceURL, Err: fmt.Errorf("%w: %v", ErrUnparsable, err)}
	}
	page, err := newPage(raw, canonical)
	if err != nil {
		return model.Listing{}, &ExtractionError{URL: canonical, Err: fmt.Errorf("%w: %v", ErrUnparsable, err)}
	}

	var resolved Candidate
	var bedVotes []int
	for _, s := range e.strategies {
		c := s.Extract(page, resolved)
		if c.Bedrooms != nil {
			bedVotes = append(bedVotes, *c.Bedrooms)
		}
		resolved = merge(resolved, c)
	}

	listing := model.Listing{
		ID:           model.ListingID(canonical),
		Title:        resolved.Title,
		Address:      resolved.Address,
		Price:        resolved.Price,
		Bathrooms:    resolved.Bathrooms,
		URL:          canonical,
		Description:  model.TruncateDescription(resolved.Description),
		ObservedAt:   e.now().UTC(),
		PropertyType: resolved.PropertyType,
	}
	if resolved.Studio {
		listing.Bedrooms = model.IntPtr(model.StudioBedroomCount)
	} else if v, ok := voteBedrooms(bedVotes); ok {
		listing.Bedrooms = model.IntPtr(v)
	}
	listing.PropertyType = resolvePropertyType(listing, resolved)

	var missing []string
	var errs []error
	if listing.Title == "" {
		missing = append(missing, "title")
		errs = append(errs, ErrMissingTitle)
	}
	if listing.Price == nil {
		missing = append(missing, "price")
		errs = append(errs, ErrMissingPrice)
	}
	if len(missing) > 0 {
		return model.Listing{}, &ExtractionError{URL: canonical, Missing: missing, Err: errors.Join(errs...)}
	}
	return listing, nil
}

func newPage(raw []byte, canonical string) (*Page, error) {
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return nil, err
	}
	return &Page{URL: u, Raw: raw, Doc: goquery.NewDocumentFromNode(root), Root: root}, nil
}

// merge 保留已确认的字段，只用 next 填补空缺；卧室数由投票决定，不在此合并。
func merge(resolved, next Candidate) Candidate {
	if resolved.Title == "" {
		resolved.Title = next.Title
	}
	if resolved.Address == "" {
		resolved.Address = next.Address
	}
	if resolved.Description == "" {
		resolved.Description = next.Description
	}
	if resolved.Price == nil {
		resolved.Price = next.Price
	}
	if resolved.Bathrooms == nil {
		resolved.Bathrooms = next.Bathrooms
	}
	if resolved.PropertyType == "" {
		resolved.PropertyType = next.PropertyType
	}
	if next.Bedrooms != nil && resolved.Bedrooms == nil {
		resolved.Bedrooms = next.Bedrooms
	}
	resolved.Studio = resolved.Studio || next.Studio
	return resolved
}

// voteBedrooms 取出现次数最多的值；并列时优先取不超过 6 的最小值。
func voteBedrooms(votes []int) (int, bool) {
	if len(votes) == 0 {
		return 0, false
	}
	counts := make(map[int]int, len(votes))
	best := 0
	for _, v := range votes {
		counts[v]++
		if counts[v] > best {
			best = counts[v]
		}
	}
	tied := make([]int, 0, len(counts))
	for v, n := range counts {
		if n == best {
			tied = append(tied, v)
		}
	}
	sort.Ints(tied)
	for _, v := range tied {
		if v <= 6 {
			return v, true
		}
	}
	return tied[0], true
}

func resolvePropertyType(l model.Listing, c Candidate) model.PropertyType {
	if c.PropertyType != "" && c.PropertyType != model.PropertyOther {
		return c.PropertyType
	}
	if t := propertyTypeFromText(l.Title); t != "" {
		return t
	}
	if t := propertyTypeFromText(l.Description); t != "" {
		return t
	}
	if l.Bedrooms != nil && *l.Bedrooms == 0 {
		return model.PropertyStudio
	}
	return model.PropertyOther
}
