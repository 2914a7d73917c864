package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// coercer converts source strings into typed values using locale-aware
// rules: decimal/group separators for numbers, day-first vs month-first for
// ambiguous dates.
type coercer struct {
	decimalComma bool
	dayFirst     bool
}

// Locales writing decimals with a comma (and grouping with a dot or space).
var commaDecimalBases = map[string]bool{
	"de": true, "fr": true, "es": true, "it": true, "pt": true,
	"nl": true, "da": true, "sv": true, "nb": true, "fi": true,
	"pl": true, "cs": true, "tr": true, "ru": true, "id": true,
}

// Locales writing ambiguous slash dates day-first.
var dayFirstBases = map[string]bool{
	"de": true, "fr": true, "es": true, "it": true, "pt": true,
	"nl": true, "da": true, "sv": true, "nb": true, "fi": true,
	"pl": true, "cs": true, "tr": true, "ru": true, "id": true,
	"en": false,
}

func newCoercer(locale string) coercer {
	tag := language.Make(locale)
	base, _ := tag.Base()
	b := base.String()
	c := coercer{
		decimalComma: commaDecimalBases[b],
		dayFirst:     commaDecimalBases[b],
	}
	if set, ok := dayFirstBases[b]; ok {
		c.dayFirst = set
	}
	// en-GB and friends write 31/12 but keep dot decimals
	if region, conf := tag.Region(); conf >= language.High && b == "en" && region.String() != "US" {
		c.dayFirst = true
	}
	return c
}

// Number parses s as a float, tolerating currency symbols, grouping
// separators and locale decimal marks.
func (c coercer) Number(s string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',', r == '-', r == '+':
			return r
		default:
			return -1 // drops currency symbols, spaces, NBSP group separators
		}
	}, s)
	if cleaned == "" {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if c.decimalComma {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return n, nil
}

// Date tries ISO layouts first, then the locale's slash/dash ordering.
func (c coercer) Date(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{"2006-01-02", "2006/01/02", time.RFC3339}
	if c.dayFirst {
		layouts = append(layouts, "02-01-2006", "02/01/2006", "2.1.2006", "02.01.2006")
	} else {
		layouts = append(layouts, "01-02-2006", "01/02/2006", "1/2/2006")
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}

// stripDiacritics removes combining marks so "Menge" headers exported with
// accents still match their plain aliases. NFD decompose, drop Mn runes.
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
