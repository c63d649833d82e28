package extractor

import (
	"regexp"
	"strconv"
	"strings"

	"rent-radar/internal/model"
)

const countWord = `(\d{1,2}|one|two|three|four|five|six|seven|eight|nine|ten)`

// headingPatterns 顺序即优先级；"bedroom\b" 不匹配复数 "bedrooms"。
var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b` + countWord + `\s+(?:double|single|twin)\s+bedroom`),
	regexp.MustCompile(`(?i)\b` + countWord + `\s+bedroom\b`),
	regexp.MustCompile(`(?i)\b` + countWord + `\s+bed\s+[a-z]+`),
	regexp.MustCompile(`(?i)\b` + countWord + `-bed\b`),
	regexp.MustCompile(`(?i)\b` + countWord + `\s+bed,`),
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// HeadingStrategy 只负责卧室数，基于标题文本的模式匹配。
type HeadingStrategy struct{}

func (HeadingStrategy) Kind() Kind { return KindHeading }

func (HeadingStrategy) Extract(page *Page, resolved Candidate) Candidate {
	heading := resolved.Title
	if heading == "" && page.Doc != nil {
		heading = headingText(page.Doc)
	}
	return headingBedrooms(heading)
}

func headingBedrooms(heading string) Candidate {
	var c Candidate
	if heading == "" {
		return c
	}
	// studio/bedsit 优先于一切数字模式
	if studioRe.MatchString(heading) {
		c.Studio = true
		c.Bedrooms = model.IntPtr(model.StudioBedroomCount)
		return c
	}
	for _, re := range headingPatterns {
		m := re.FindStringSubmatch(heading)
		if m == nil {
			continue
		}
		v, ok := countValue(m[1])
		if ok && model.BedroomsInRange(v) {
			c.Bedrooms = model.IntPtr(v)
			return c
		}
	}
	return c
}

func countValue(s string) (int, bool) {
	if v, ok := numberWords[strings.ToLower(s)]; ok {
		return v, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
