package apperr

import "unicode/utf8"

// Truncate shortens msg to at most n bytes without splitting a UTF-8
// sequence, so the result stays valid text for a database column.
func Truncate(msg string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
