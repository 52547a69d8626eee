package workflow

import (
	"strings"

	"golang.org/x/text/width"
)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizePhone folds full-width digits to ASCII, drops common separators and a
// leading '+'. "+251 (91) 122-3344" becomes "251911223344".
func NormalizePhone(s string) string {
	s = width.Narrow.String(strings.TrimSpace(s))
	s = phoneSeparators.Replace(s)
	return strings.TrimPrefix(s, "+")
}
