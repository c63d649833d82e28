package extractor

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"rent-radar/internal/model"

	"golang.org/x/net/html"
)

// StructuredStrategy 读取页面内嵌的 JSON-LD 与 __NEXT_DATA__。
type StructuredStrategy struct{}

var (
	titleKeys     = []string{"name", "title", "headline"}
	priceKeys     = []string{"price", "monthlyRent", "rent", "amount"}
	bedroomKeys   = []string{"numberOfBedrooms", "bedrooms", "numBedrooms", "beds"}
	bathroomKeys  = []string{"numberOfBathroomsTotal", "numberOfBathrooms", "bathrooms", "baths"}
	addressKeys   = []string{"address", "displayAddress", "streetAddress"}
	descKeys      = []string{"description", "summary"}
	propTypeKeys  = []string{"propertyType", "@type"}
	addressParts  = []string{"streetAddress", "addressLocality", "addressRegion"}
	ignoredLDType = map[string]bool{
		"website": true, "webpage": true, "organization": true, "breadcrumblist": true,
		"listitem": true, "searchaction": true, "imageobject": true,
	}
)

func (StructuredStrategy) Kind() Kind { return KindStructured }

func (StructuredStrategy) Extract(page *Page, _ Candidate) Candidate {
	var c Candidate
	for _, blob := range scriptBlobs(page.Root) {
		var doc any
		if err := json.Unmarshal([]byte(blob), &doc); err != nil {
			continue // 非法 JSON 跳过
		}
		c = merge(c, fromJSON(doc))
	}
	return c
}

// scriptBlobs 收集可能含结构化数据的 script 内容。
func scriptBlobs(root *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && n.FirstChild != nil {
			for _, attr := range n.Attr {
				if (attr.Key == "type" && strings.EqualFold(attr.Val, "application/ld+json")) ||
					(attr.Key == "id" && attr.Val == "__NEXT_DATA__") {
					out = append(out, n.FirstChild.Data)
					break
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

// fromJSON 广度优先遍历 JSON，每个字段取最先出现且合法的值。
func fromJSON(doc any) Candidate {
	var c Candidate
	queue := []any{doc}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		switch v := node.(type) {
		case []any:
			queue = append(queue, v...)
		case map[string]any:
			if !ignoredObject(v) {
				fillFromObject(&c, v)
			}
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				switch v[k].(type) {
				case map[string]any, []any:
					queue = append(queue, v[k])
				}
			}
		}
	}
	return c
}

func ignoredObject(obj map[string]any) bool {
	t, _ := obj["@type"].(string)
	return ignoredLDType[strings.ToLower(t)]
}

func fillFromObject(c *Candidate, obj map[string]any) {
	if c.Title == "" {
		if s := firstString(obj, titleKeys); s != "" {
			c.Title = cleanText(s)
		}
	}
	if c.Price == nil {
		for _, k := range priceKeys {
			if p := validPrice(scalarText(obj[k])); p != nil {
				c.Price = p
				break
			}
		}
	}
	if c.Bedrooms == nil {
		for _, k := range bedroomKeys {
			if b := parseBedroomText(scalarText(quantity(obj[k]))); b != nil {
				c.Bedrooms = b
				break
			}
		}
	}
	if c.Bathrooms == nil {
		for _, k := range bathroomKeys {
			if b := parseBathroomText(scalarText(quantity(obj[k]))); b != nil {
				c.Bathrooms = b
				break
			}
		}
	}
	if c.Address == "" {
		c.Address = addressFrom(obj)
	}
	if c.Description == "" {
		if s := firstString(obj, descKeys); s != "" {
			c.Description = cleanText(s)
		}
	}
	if c.PropertyType == "" {
		for _, k := range propTypeKeys {
			if t := propertyTypeFromSchema(scalarText(obj[k])); t != "" {
				c.PropertyType = t
				break
			}
		}
	}
}

func addressFrom(obj map[string]any) string {
	for _, k := range addressKeys {
		switch v := obj[k].(type) {
		case string:
			if s := cleanText(v); s != "" {
				return s
			}
		case map[string]any:
			parts := make([]string, 0, len(addressParts))
			for _, p := range addressParts {
				if s, ok := v[p].(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, cleanText(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, ", ")
			}
		}
	}
	return ""
}

// quantity 展开 schema.org QuantitativeValue。
func quantity(v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return v
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', 0, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func propertyTypeFromSchema(s string) model.PropertyType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "apartment", "apartmentcomplex", "flat":
		return model.PropertyApartment
	case "house", "singlefamilyresidence":
		return model.PropertyHouse
	case "studio":
		return model.PropertyStudio
	case "duplex":
		return model.PropertyDuplex
	case "townhouse":
		return model.PropertyTownhouse
	}
	return propertyTypeFromText(s)
}
