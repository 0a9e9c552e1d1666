package stringutil

import (
	"bytes"
	"strings"
	"unicode"
)

func PascalToSnake(s string) string {
	var b bytes.Buffer

	for i, c := range s {
		if unicode.IsUpper(c) {
			if i > 0 && (unicode.IsLower(rune(s[i-1])) || (i+1 < len(s) && unicode.IsLower(rune(s[i+1])))) {
				b.WriteByte('_')
			}

			b.WriteRune(unicode.ToLower(c))
		} else {
			b.WriteRune(c)
		}
	}

	return b.String()
}

// SnakeToKebab turns an option name like "skip_download" into the
// command-line spelling "skip-download".
func SnakeToKebab(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "_", "-")
}

// SplitList splits a comma separated list, dropping empty elements.
func SplitList(s string) []string {
	var a []string

	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			a = append(a, e)
		}
	}

	return a
}

func LooksTrue(s string) bool {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "on", "enabled", "enable", "active", "ok", "okay":
		return true
	default:
		return false
	}
}
