package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PropertyType 房源类型枚举。
type PropertyType string

const (
	PropertyApartment PropertyType = "apartment"
	PropertyHouse     PropertyType = "house"
	PropertyStudio    PropertyType = "studio"
	PropertyDuplex    PropertyType = "duplex"
	PropertyTownhouse PropertyType = "townhouse"
	PropertyOther     PropertyType = "other"
)

// 数值字段的合理区间，区间外的解析结果视为缺失。
const (
	MinPlausibleRent   = 100
	MaxPlausibleRent   = 20000
	MaxBedrooms        = 10
	MaxBathrooms       = 10
	MaxDescriptionLen  = 500
	StudioBedroomCount = 0
)

// Listing 表示一次抓取观察到的房源。
// - ID: 由规范化 URL 确定性生成，一旦生成不再变化
// - Price/Bedrooms/Bathrooms: nil 表示未知，而不是 0
// - URL: 去掉查询参数后的绝对地址
type Listing struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Address      string       `json:"address,omitempty"`
	Price        *int         `json:"price,omitempty"`
	Bedrooms     *int         `json:"bedrooms,omitempty"`
	Bathrooms    *int         `json:"bathrooms,omitempty"`
	PropertyType PropertyType `json:"property_type"`
	URL          string       `json:"url"`
	Description  string       `json:"description,omitempty"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// CanonicalURL 去掉查询串与锚点，统一 host 大小写与末尾斜杠。
// 相对地址基于 base 解析；无法得到绝对地址时返回错误。
func CanonicalURL(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() {
		if base == nil {
			return "", fmt.Errorf("relative url %q without base", raw)
		}
		u = base.ResolveReference(u)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String(), nil
}

// ListingID 根据规范化 URL 生成稳定 ID。
func ListingID(canonicalURL string) string {
	sum := sha1.Sum([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// PriceInRange 判断租金是否处于合理区间。
func PriceInRange(v int) bool {
	return v >= MinPlausibleRent && v <= MaxPlausibleRent
}

// BedroomsInRange 判断卧室数量是否合理，0 代表 studio/bedsit。
func BedroomsInRange(v int) bool {
	return v >= 0 && v <= MaxBedrooms
}

// BathroomsInRange 判断卫生间数量是否合理。
func BathroomsInRange(v int) bool {
	return v >= 0 && v <= MaxBathrooms
}

// IntPtr 返回 v 的指针，便于构造可选字段。
func IntPtr(v int) *int { return &v }

// TruncateDescription 按 rune 截断描述。
func TruncateDescription(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= MaxDescriptionLen {
		return s
	}
	return strings.TrimSpace(string(runes[:MaxDescriptionLen]))
}
