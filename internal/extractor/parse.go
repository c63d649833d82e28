package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"rent-radar/internal/model"
)

var (
	amountRe   = regexp.MustCompile(`\d[\d,.]*(?: \d{3}\b)*`)
	centsRe    = regexp.MustCompile(`[.,]\d{2}$`)
	weeklyRe   = regexp.MustCompile(`(?i)(per\s+week|/\s*w(ee)?k|\bp/?w\b|weekly)`)
	bareIntRe  = regexp.MustCompile(`^\s*(\d{1,2})\s*$`)
	bedTextRe  = regexp.MustCompile(`(?i)\b(\d{1,2})\s*-?\s*(?:bed(?:room)?s?|br)\b`)
	bathTextRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s*-?\s*(?:bath(?:room)?s?|ba)\b`)
	spaceRe    = regexp.MustCompile(`\s+`)
	studioRe   = regexp.MustCompile(`(?i)\b(studio|bed-?sit)s?\b`)
)

// unitRe 紧跟金额的计价单位；第 1 组为月，第 2 组为周。
var unitRe = regexp.MustCompile(`(?i)^\s*(?:[€£$]|eur\b|gbp\b)?\s*(?:(per\s+(?:calendar\s+)?month|/\s*(?:mo|mth|month)\b|p/?cm\b|monthly)|(per\s+week|/\s*w(?:ee)?k\b|p/?w\b|weekly))`)

// rentContextRe 标题类文本只有带货币或计价单位时才视为租金。
var rentContextRe = regexp.MustCompile(`(?i)[€£$]|\b(?:eur|gbp)\b|per\s+(?:calendar\s+)?(?:month|week)|\bp/?cm\b|\bp/?w\b`)

// parsePrice 从 "€2,500 per month"、"650 per week"、"1.950,00" 等文本解析整数租金。
// 周月以金额后紧跟的单位为准，同时出现时取第一个月租；周租按 52/12 折算。无法解析返回 false。
func parsePrice(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	locs := amountRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return 0, false
	}
	pick, weekly := locs[0], false
	found := false
	for i, loc := range locs {
		m := unitRe.FindStringSubmatch(text[loc[1]:])
		switch {
		case m != nil && m[1] != "":
			pick, weekly, found = loc, false, true
		case m != nil && m[2] != "" && i == 0:
			weekly = true
		}
		if found {
			break
		}
	}
	// 单一金额且单位写在前面，如 "Weekly: €650"
	if !found && len(locs) == 1 && !weekly && weeklyRe.MatchString(text[:locs[0][0]]) {
		weekly = true
	}

	v, ok := parseAmount(text[pick[0]:pick[1]])
	if !ok {
		return 0, false
	}
	if weekly {
		v = int(math.Round(float64(v) * 52 / 12))
	}
	return v, true
}

func parseAmount(raw string) (int, bool) {
	raw = centsRe.ReplaceAllString(strings.TrimSpace(raw), "")
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" || len(digits) > 9 {
		return 0, false
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return v, true
}

// validPrice 解析并校验租金，越界视为缺失。
func validPrice(text string) *int {
	v, ok := parsePrice(text)
	if !ok || !model.PriceInRange(v) {
		return nil
	}
	return model.IntPtr(v)
}

// contextualPrice 要求文本带货币符号或计价单位。
func contextualPrice(text string) *int {
	if !rentContextRe.MatchString(text) {
		return nil
	}
	return validPrice(text)
}

// parseBedroomText 解析 "3 Bed"、"2 bedrooms"、"Studio" 或纯数字。
func parseBedroomText(text string) *int {
	if studioRe.MatchString(text) {
		return model.IntPtr(model.StudioBedroomCount)
	}
	return parseCount(text, bedTextRe, model.BedroomsInRange)
}

// parseBathroomText 解析 "2 Bath"、"1 bathroom" 或纯数字。
func parseBathroomText(text string) *int {
	return parseCount(text, bathTextRe, model.BathroomsInRange)
}

func parseCount(text string, re *regexp.Regexp, valid func(int) bool) *int {
	var raw string
	if m := bareIntRe.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := re.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || !valid(v) {
		return nil
	}
	return model.IntPtr(v)
}

// cleanText 折叠空白并去除首尾空格。
func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// propertyTypeFromText 按关键词推断房源类型，顺序决定优先级。
func propertyTypeFromText(text string) model.PropertyType {
	lower := strings.ToLower(text)
	switch {
	case lower == "":
		return ""
	case studioRe.MatchString(lower):
		return model.PropertyStudio
	case strings.Contains(lower, "duplex"):
		return model.PropertyDuplex
	case strings.Contains(lower, "townhouse"), strings.Contains(lower, "town house"):
		return model.PropertyTownhouse
	case strings.Contains(lower, "apartment"), strings.Contains(lower, "flat"), strings.Contains(lower, "penthouse"):
		return model.PropertyApartment
	case strings.Contains(lower, "house"), strings.Contains(lower, "bungalow"), strings.Contains(lower, "cottage"),
		strings.Contains(lower, "detached"), strings.Contains(lower, "residence"), strings.Contains(lower, "terrace"):
		return model.PropertyHouse
	default:
		return ""
	}
}
