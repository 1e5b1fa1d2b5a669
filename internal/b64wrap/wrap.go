// Package b64wrap inserts CRLF line breaks into base64 text at a fixed
// column width, the way RFC 2045 requires for base64-encoded MIME body
// parts.
package b64wrap

// Wrap inserts "\r\n" into s every width characters. Unlike a naive
// chunker, it does not append a trailing line terminator when len(s) is
// an exact multiple of width.
func Wrap(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/width*2)
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end]...)
		if end < len(s) {
			out = append(out, '\r', '\n')
		}
	}
	return string(out)
}
