package model

import (
	"net/url"
	"strings"
	"testing"
)

func TestCanonicalURLStripsQueryAndFragment(t *testing.T) {
	t.Parallel()

	base, _ := url.Parse("https://Rent.example.com/dublin-city")
	cases := map[string]string{
		"https://rent.example.com/for-rent/flat/123?utm=x&sid=9":   "https://rent.example.com/for-rent/flat/123",
		"/for-rent/flat/123/#gallery":                              "https://rent.example.com/for-rent/flat/123",
		"HTTPS://RENT.EXAMPLE.COM/for-rent/flat/123/?ref=card":      "https://rent.example.com/for-rent/flat/123",
		"https://rent.example.com/for-rent/house/77?page=2#photos": "https://rent.example.com/for-rent/house/77",
	}
	for raw, want := range cases {
		got, err := CanonicalURL(raw, base)
		if err != nil {
			t.Fatalf("CanonicalURL(%q) error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("CanonicalURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCanonicalURLRejectsRelativeWithoutBase(t *testing.T) {
	t.Parallel()

	if _, err := CanonicalURL("/for-rent/1", nil); err == nil {
		t.Fatalf("expected error for relative url without base")
	}
	if _, err := CanonicalURL("   ", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestListingIDIsDeterministic(t *testing.T) {
	t.Parallel()

	a, _ := CanonicalURL("https://rent.example.com/for-rent/1?x=1", nil)
	b, _ := CanonicalURL("https://rent.example.com/for-rent/1?x=2", nil)
	if ListingID(a) != ListingID(b) {
		t.Fatalf("expected same id for urls differing only in query")
	}
	if ListingID(a) == ListingID("https://rent.example.com/for-rent/2") {
		t.Fatalf("expected distinct ids for distinct paths")
	}
}

func TestRangeChecks(t *testing.T) {
	t.Parallel()

	if PriceInRange(50) {
		t.Fatalf("price 50 should be out of range")
	}
	if !PriceInRange(2500) {
		t.Fatalf("price 2500 should be in range")
	}
	if !BedroomsInRange(0) || BedroomsInRange(11) || BedroomsInRange(-1) {
		t.Fatalf("unexpected bedroom range result")
	}
}

func TestTruncateDescription(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", MaxDescriptionLen+20)
	got := TruncateDescription(long)
	if n := len([]rune(got)); n != MaxDescriptionLen {
		t.Fatalf("expected %d runes, got %d", MaxDescriptionLen, n)
	}
	if TruncateDescription("  short ") != "short" {
		t.Fatalf("expected short description trimmed")
	}
}
