package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"rent-radar/internal/extractor"
	"rent-radar/internal/fetcher"
	"rent-radar/internal/model"

	"github.com/rs/zerolog"
)

const testBase = "https://example.com/rent"

func TestPageURL(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, &stubFetcher{}, Config{})
	got := c.pageURL("dublin-city", 2, model.SearchCriteria{MinBedrooms: 3, MaxPrice: 2500})
	want := "https://example.com/rent/dublin-city?max_price=2500&min_beds=3&page=2"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCrawlNeverExceedsMaxPages(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			p := u.Query().Get("page")
			return searchPage("/listing/p"+p+"-a", "/listing/p"+p+"-b"), nil
		}
		return listingPage(u.Path, 2000, 3), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 2})

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city"}, MaxPages: 3})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if n := sf.searchHits(); n != 3 {
		t.Fatalf("expected 3 page fetches, got %d", n)
	}
	if res.Stats.Pages != 3 || len(res.Listings) != 6 {
		t.Fatalf("unexpected result pages=%d listings=%d", res.Stats.Pages, len(res.Listings))
	}

	multi := &stubFetcher{handle: sf.handle}
	c = newTestCrawler(t, multi, Config{PageSize: 2})
	res, err = c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city", "cork"}, MaxPages: 3})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if n := multi.searchHits(); n != 3 {
		t.Fatalf("expected page budget shared across regions, got %d page fetches", n)
	}
	if res.Stats.Pages != 3 {
		t.Fatalf("unexpected pages %d", res.Stats.Pages)
	}
}

func TestCrawlSpillsPageBudgetToNextRegion(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			if strings.HasSuffix(u.Path, "/dublin-city") {
				return searchPage("/listing/d-1"), nil
			}
			p := u.Query().Get("page")
			return searchPage("/listing/c"+p+"-a", "/listing/c"+p+"-b"), nil
		}
		return listingPage(u.Path, 2000, 3), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 2})

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city", "cork"}, MaxPages: 3})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if n := sf.searchHits(); n != 3 {
		t.Fatalf("expected 3 page fetches, got %d", n)
	}
	if res.Stats.Links != 5 {
		t.Fatalf("expected 1 dublin and 4 cork links, got %d", res.Stats.Links)
	}
}

func TestCrawlCountsExtractorPanicAsFailure(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			return searchPage("/listing/ok", "/listing/boom"), nil
		}
		return listingPage(u.Path, 2000, 3), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 10})
	c.extractor = panickyExtractor{next: extractor.New()}

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city"}, MaxPages: 1})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if len(res.Listings) != 1 || res.Stats.Failed != 1 {
		t.Fatalf("expected 1 listing and 1 failure, got listings=%d failed=%d", len(res.Listings), res.Stats.Failed)
	}
}

func TestCrawlStopsPagingAfterRepeatedTimeouts(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			switch u.Query().Get("page") {
			case "1":
				return searchPage("/listing/one", "/listing/two"), nil
			default:
				return nil, &fetcher.FetchError{Kind: fetcher.Transient, URL: u.String(), Err: context.DeadlineExceeded}
			}
		}
		return listingPage(u.Path, 2200, 3), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 2})

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city"}, MaxPages: 5})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if res.Stats.Found != 2 || len(res.Listings) != 2 {
		t.Fatalf("expected page-1 listings only, got found=%d", res.Stats.Found)
	}
	if res.Stats.PageErrors != 1 {
		t.Fatalf("expected 1 page error, got %d", res.Stats.PageErrors)
	}
	page2 := testBase + "/dublin-city?page=2"
	if n := sf.hitsFor(page2); n != 3 {
		t.Fatalf("expected 3 attempts for page 2, got %d", n)
	}
	if n := sf.searchHits(); n != 4 {
		t.Fatalf("expected no fetch beyond page 2, got %d search fetches", n)
	}
}

func TestCrawlDeduplicatesLinksAcrossPages(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			switch u.Query().Get("page") {
			case "1":
				return searchPage("/listing/a", "/listing/b?ref=search"), nil
			case "2":
				return searchPage("/listing/b", "https://EXAMPLE.com/listing/a/#photos"), nil
			default:
				return searchPage("/listing/c"), nil
			}
		}
		return listingPage(u.Path, 1900, 2), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 2})

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city"}, MaxPages: 10})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if res.Stats.Links != 3 || len(res.Listings) != 3 {
		t.Fatalf("expected 3 unique listings, got links=%d listings=%d", res.Stats.Links, len(res.Listings))
	}
	for _, path := range []string{"/listing/a", "/listing/b", "/listing/c"} {
		if n := sf.hitsFor("https://example.com" + path); n != 1 {
			t.Fatalf("%s fetched %d times", path, n)
		}
	}
	if sf.searchHits() != 3 {
		t.Fatalf("expected paging to stop at short page 3, got %d", sf.searchHits())
	}
	wantOrder := []string{"https://example.com/listing/a", "https://example.com/listing/b", "https://example.com/listing/c"}
	for i, l := range res.Listings {
		if l.URL != wantOrder[i] {
			t.Fatalf("listing %d: expected %s, got %s", i, wantOrder[i], l.URL)
		}
	}
}

func TestCrawlStopsAtResultCap(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			p := u.Query().Get("page")
			return searchPage("/listing/"+p+"-a", "/listing/"+p+"-b"), nil
		}
		return listingPage(u.Path, 2000, 3), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 2})

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city", "cork"}, MaxPages: 5, ResultCap: 3})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if res.Stats.Links != 3 {
		t.Fatalf("expected 3 links, got %d", res.Stats.Links)
	}
	if sf.searchHits() != 2 {
		t.Fatalf("expected 2 page fetches, got %d", sf.searchHits())
	}
}

func TestCrawlCountsFailedAndFiltered(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		switch {
		case isSearch(u):
			return searchPage("/listing/ok", "/listing/no-price", "/listing/small", "/listing/gone", "/listing/pricey"), nil
		case u.Path == "/listing/no-price":
			return []byte(`<html><body><h1>2 bed apartment</h1></body></html>`), nil
		case u.Path == "/listing/small":
			return listingPage(u.Path, 1500, 1), nil
		case u.Path == "/listing/pricey":
			return listingPage(u.Path, 4000, 3), nil
		case u.Path == "/listing/gone":
			return nil, &fetcher.FetchError{Kind: fetcher.Permanent, URL: u.String(), StatusCode: 410}
		}
		return listingPage(u.Path, 2400, 3), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 10})

	res, err := c.Crawl(context.Background(), model.SearchCriteria{Regions: []string{"dublin-city"}, MaxPages: 1, MinBedrooms: 2, MaxPrice: 2500})
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if res.Stats.Found != 1 || res.Stats.Failed != 2 || res.Stats.Filtered != 2 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	if sf.hitsFor("https://example.com/listing/gone") != 1 {
		t.Fatalf("permanent failure must not be retried")
	}
}

func TestEachStopsOnErrStop(t *testing.T) {
	t.Parallel()

	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		if isSearch(u) {
			return searchPage("/listing/1", "/listing/2", "/listing/3"), nil
		}
		return listingPage(u.Path, 2000, 2), nil
	}}
	c := newTestCrawler(t, sf, Config{PageSize: 10, DetailConcurrency: 1})

	var got []string
	stats, err := c.Each(context.Background(), model.SearchCriteria{Regions: []string{"galway"}}, func(l model.Listing) error {
		got = append(got, l.URL)
		return ErrStop
	})
	if err != nil {
		t.Fatalf("Each error: %v", err)
	}
	if len(got) != 1 || stats.Found != 1 {
		t.Fatalf("expected single callback, got %v", got)
	}
}

func TestCrawlRejectsEmptyRegions(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, &stubFetcher{}, Config{})
	if _, err := c.Crawl(context.Background(), model.SearchCriteria{}); !errors.Is(err, ErrNoRegions) {
		t.Fatalf("expected ErrNoRegions, got %v", err)
	}
}

func TestCrawlReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sf := &stubFetcher{handle: func(u *url.URL, _ int) ([]byte, error) {
		cancel()
		return nil, context.Canceled
	}}
	c := newTestCrawler(t, sf, Config{})
	if _, err := c.Crawl(ctx, model.SearchCriteria{Regions: []string{"dublin-city"}, MaxPages: 3}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- helpers ---

func newTestCrawler(t *testing.T, f fetcher.Fetcher, cfg Config) *Crawler {
	t.Helper()
	cfg.BaseURL = testBase
	c, err := New(f, extractor.New(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func isSearch(u *url.URL) bool {
	return strings.HasPrefix(u.Path, "/rent/")
}

func searchPage(hrefs ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<article><a href="%s">listing</a></article>`, h)
	}
	b.WriteString(`<a href="https://other.example.org/listing/ad">ad</a></body></html>`)
	return []byte(b.String())
}

func listingPage(path string, price, beds int) []byte {
	return []byte(fmt.Sprintf(`<html><body><h1>Apartment %s</h1><div data-testid="price">€%d per month</div><div class="beds">%d Beds</div></body></html>`, path, price, beds))
}

type panickyExtractor struct{ next Extractor }

func (p panickyExtractor) Extract(raw []byte, sourceURL string) (model.Listing, error) {
	if strings.Contains(sourceURL, "boom") {
		var fields map[string]string
		fields["title"] = "x"
	}
	return p.next.Extract(raw, sourceURL)
}

type stubFetcher struct {
	mu     sync.Mutex
	hits   map[string]int
	handle func(u *url.URL, attempt int) ([]byte, error)
}

func (s *stubFetcher) Fetch(_ context.Context, pageURL string) ([]byte, error) {
	s.mu.Lock()
	if s.hits == nil {
		s.hits = make(map[string]int)
	}
	s.hits[pageURL]++
	attempt := s.hits[pageURL]
	s.mu.Unlock()

	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	if s.handle == nil {
		return nil, &fetcher.FetchError{Kind: fetcher.Permanent, URL: pageURL, StatusCode: 404}
	}
	return s.handle(u, attempt)
}

func (s *stubFetcher) hitsFor(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[u]
}

func (s *stubFetcher) searchHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.hits {
		if strings.HasPrefix(k, testBase+"/") {
			n += v
		}
	}
	return n
}
