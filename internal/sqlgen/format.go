package sqlgen

import "strings"

// Format normalizes whitespace: trailing spaces are trimmed, leading blank
// lines dropped, runs of blank lines collapsed to one, and the text ends with
// exactly one newline. Format is idempotent.
func Format(sql string) string {
	lines := strings.Split(strings.ReplaceAll(sql, "\r\n", "\n"), "\n")

	var b strings.Builder
	b.Grow(len(sql))
	blank := true
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			blank = true
			continue
		}
		if blank && b.Len() > 0 {
			b.WriteByte('\n')
		}
		blank = false
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
