package identity

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	nonAlnumRegex = regexp.MustCompile(`[^a-z0-9]+`)
	dashRunRegex  = regexp.MustCompile(`-{2,}`)
)

// Slugify lowercases s, strips accents and joins the alphanumeric runs with dashes.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(stripMarks(s)))
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "'", "")
	s = nonAlnumRegex.ReplaceAllString(s, "-")
	s = dashRunRegex.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ListingSlug is the base slug for a listing: name followed by city.
func ListingSlug(name, city string) string {
	base := Slugify(name)
	if c := Slugify(city); c != "" {
		if base == "" {
			return c
		}
		base += "-" + c
	}
	if base == "" {
		return "listing"
	}
	return base
}

// Candidate returns the n-th slug to try. The first attempt is the base itself,
// later ones carry -2, -3, ...
func Candidate(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return base + "-" + strconv.Itoa(attempt)
}

func stripMarks(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
