package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeColumn maps the column names the engine returns ("chkItemCd",
// "CHK_ITEM_CD", "chk-item-cd", full-width variants) onto one snake_case form.
func NormalizeColumn(name string) string {
	s := norm.NFKC.String(strings.TrimSpace(name))

	var b strings.Builder
	b.Grow(len(s) + 4)
	var prev rune
	for i, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '.':
			r = '_'
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			b.WriteByte('_')
		}
		b.WriteRune(r)
		prev = r
	}
	// Casers are stateful and must not be shared between goroutines.
	return cases.Fold().String(b.String())
}
