package extractor

import (
	"github.com/PuerkitoBio/goquery"
)

// selector 一个候选位置；attr 非空时读取该属性而非文本。
type selector struct {
	css  string
	attr string
}

// MarkupStrategy 按优先级扫描 CSS 选择器，每个字段取第一个通过校验的值。
type MarkupStrategy struct {
	Title        []selector
	Price        []selector
	Bedrooms     []selector
	Bathrooms    []selector
	Address      []selector
	Description  []selector
	Type         []selector
	PriceHeading []selector // 标题类兜底，只接受带货币或计价单位的文本
}

// NewMarkupStrategy 返回覆盖常见房源页面结构的选择器集合。
func NewMarkupStrategy() MarkupStrategy {
	return MarkupStrategy{
		Title: []selector{
			{css: `[data-testid="address"] h1`},
			{css: `[data-testid="title"]`},
			{css: `h1`},
			{css: `meta[property="og:title"]`, attr: "content"},
			{css: `title`},
		},
		Price: []selector{
			{css: `[data-testid="price"]`},
			{css: `[itemprop="price"]`, attr: "content"},
			{css: `[itemprop="price"]`},
			{css: `.price, .listing-price, .rent`},
			{css: `meta[property="product:price:amount"]`, attr: "content"},
		},
		PriceHeading: []selector{
			{css: `h2`},
		},
		Bedrooms: []selector{
			{css: `[data-testid="beds"]`},
			{css: `[itemprop="numberOfBedrooms"]`},
			{css: `.beds, .bedrooms`},
			{css: `[data-testid="card-info"] p, .facts li, .features li`},
		},
		Bathrooms: []selector{
			{css: `[data-testid="baths"]`},
			{css: `[itemprop="numberOfBathroomsTotal"]`},
			{css: `.baths, .bathrooms`},
			{css: `[data-testid="card-info"] p, .facts li, .features li`},
		},
		Address: []selector{
			{css: `[data-testid="address"]`},
			{css: `[itemprop="streetAddress"]`},
			{css: `address`},
			{css: `.address`},
		},
		Description: []selector{
			{css: `[data-testid="description"]`},
			{css: `[itemprop="description"]`},
			{css: `.description`},
			{css: `meta[name="description"]`, attr: "content"},
		},
		Type: []selector{
			{css: `[data-testid="property-type"]`},
			{css: `.property-type`},
		},
	}
}

func (MarkupStrategy) Kind() Kind { return KindMarkup }

func (m MarkupStrategy) Extract(page *Page, _ Candidate) Candidate {
	doc := page.Doc
	var c Candidate
	c.Title = firstText(doc, m.Title, func(s string) bool { return s != "" })
	if s := firstText(doc, m.Price, func(s string) bool { return validPrice(s) != nil }); s != "" {
		c.Price = validPrice(s)
	} else if s := firstText(doc, m.PriceHeading, func(s string) bool { return contextualPrice(s) != nil }); s != "" {
		c.Price = contextualPrice(s)
	}
	if s := firstText(doc, m.Bedrooms, func(s string) bool { return parseBedroomText(s) != nil }); s != "" {
		c.Bedrooms = parseBedroomText(s)
	}
	if s := firstText(doc, m.Bathrooms, func(s string) bool { return parseBathroomText(s) != nil }); s != "" {
		c.Bathrooms = parseBathroomText(s)
	}
	c.Address = firstText(doc, m.Address, func(s string) bool { return s != "" })
	c.Description = firstText(doc, m.Description, func(s string) bool { return s != "" })
	if s := firstText(doc, m.Type, func(s string) bool { return propertyTypeFromText(s) != "" }); s != "" {
		c.PropertyType = propertyTypeFromText(s)
	}
	return c
}

// firstText 依次尝试选择器及其所有匹配元素，返回首个通过 ok 的文本。
func firstText(doc *goquery.Document, sels []selector, ok func(string) bool) string {
	for _, sel := range sels {
		var found string
		doc.Find(sel.css).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			var text string
			if sel.attr != "" {
				text, _ = s.Attr(sel.attr)
			} else {
				text = s.Text()
			}
			text = cleanText(text)
			if ok(text) {
				found = text
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// headingText 页面主标题，供启发式策略在无标题时使用。
func headingText(doc *goquery.Document) string {
	return cleanText(doc.Find("h1").First().Text())
}
