// Package mimemsg parses and serializes the MIME envelope of a message:
// an ordered header list plus either a flat body or a multipart tree of
// nested containers. It intentionally avoids mime and mime/multipart:
// those packages normalize away the exact boundary/preamble bytes this
// package's callers need to reproduce byte-for-byte on serialization.
package mimemsg

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Header is a single header name/value pair as retained by a Container.
// Name keeps the case it was received in; comparisons against it must be
// done with strings.EqualFold.
type Header struct {
	Name  string
	Value string
}

// Container is an immutable value tree produced by Parse. For a
// non-multipart message Body holds the raw body text and Parts is empty;
// for multipart messages Body holds the preamble text that precedes the
// first boundary and Parts holds the nested containers in order.
type Container struct {
	Headers []Header
	Body    string
	Parts   []*Container
}

// Get returns the value of the first header matching name
// (ASCII-case-insensitively), and whether one was found.
func (c *Container) Get(name string) (string, bool) {
	for _, h := range c.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// ErrMissingSeparator is returned when no empty line terminates the header
// section.
var ErrMissingSeparator = errors.New("mimemsg: missing header/body separator")

// Parse parses data as a header section followed by either a flat body or,
// when the Content-Type header names a multipart/* type with a boundary
// parameter, a recursively-parsed multipart body.
func Parse(data []byte) (*Container, error) {
	headers, rest, err := parseHeaderSection(data)
	if err != nil {
		return nil, err
	}
	c := &Container{Headers: headers}

	if ct, ok := c.Get("Content-Type"); ok {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "multipart/") {
			if boundary, found := extractBoundary(ct); found {
				preamble, parts, err := parseMultipart(rest, boundary)
				if err != nil {
					return nil, err
				}
				c.Body = preamble
				c.Parts = parts
				return c, nil
			}
		}
	}
	c.Body = string(rest)
	return c, nil
}

func parseHeaderSection(data []byte) ([]Header, []byte, error) {
	var headers []Header
	i := 0
	for {
		line, next, hasTerm := readLine(data, i)
		if !hasTerm {
			return nil, nil, ErrMissingSeparator
		}
		if len(line) == 0 {
			return headers, data[next:], nil
		}
		name, value, ok := splitHeaderLine(line)
		if !ok {
			return nil, nil, fmt.Errorf("mimemsg: malformed header line %q", line)
		}
		i = next
		for {
			cLine, cNext, cHasTerm := readLine(data, i)
			if !cHasTerm || len(cLine) == 0 || (cLine[0] != ' ' && cLine[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(string(cLine))
			i = cNext
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
}

// readLine returns the line at data[i:] up to but excluding its line
// terminator (\r\n or \n), the index right after that terminator, and
// whether a terminator was found at all (false at end of input with no
// trailing newline).
func readLine(data []byte, i int) (line []byte, next int, hasTerm bool) {
	if i > len(data) {
		return nil, i, false
	}
	idx := bytes.IndexByte(data[i:], '\n')
	if idx < 0 {
		return data[i:], len(data), false
	}
	line = data[i : i+idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + idx + 1, true
}

func isHeaderNameChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '-' || b == '_'
}

func splitHeaderLine(line []byte) (name, value string, ok bool) {
	i := 0
	for i < len(line) && isHeaderNameChar(line[i]) {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != ':' {
		return "", "", false
	}
	name = string(line[:i])
	j := i + 1
	for j < len(line) && (line[j] == ' ' || line[j] == '\t') {
		j++
	}
	return name, string(line[j:]), true
}

// extractBoundary finds the case-insensitive substring "boundary=" in a
// Content-Type value and returns the boundary token per the stripping
// rules: surrounding whitespace and a matched quote pair are stripped; the
// token terminates at the first '"', ';', or whitespace character.
func extractBoundary(contentType string) (string, bool) {
	lower := strings.ToLower(contentType)
	idx := strings.Index(lower, "boundary=")
	if idx < 0 {
		return "", false
	}
	rest := contentType[idx+len("boundary="):]
	rest = strings.TrimLeft(rest, " \t")
	if len(rest) == 0 {
		return "", false
	}
	if rest[0] == '"' || rest[0] == '\'' {
		quote := rest[0]
		rest = rest[1:]
		end := strings.IndexByte(rest, quote)
		if end < 0 {
			end = len(rest)
		}
		rest = rest[:end]
	}
	end := strings.IndexAny(rest, "\";\t \r\n")
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		return "", false
	}
	return rest[:end], true
}

// locateBoundaryLine finds the first "\n--boundary" occurrence in data,
// folding in a preceding '\r' into the terminator. termStart is the index
// where the terminator begins; afterDelim is the index right after the
// "--boundary" token.
func locateBoundaryLine(data []byte, boundary string) (termStart, afterDelim int, found bool) {
	marker := []byte("\n--" + boundary)
	idx := bytes.Index(data, marker)
	if idx < 0 {
		return 0, 0, false
	}
	termStart = idx
	if idx > 0 && data[idx-1] == '\r' {
		termStart = idx - 1
	}
	afterDelim = idx + len(marker)
	return termStart, afterDelim, true
}

func stripTrailingTerminator(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}

func parseMultipart(body []byte, boundary string) (string, []*Container, error) {
	marker := []byte("--" + boundary)
	var preamble string
	var rest []byte
	if bytes.HasPrefix(body, marker) {
		rest = body[len(marker):]
	} else {
		termStart, afterDelim, found := locateBoundaryLine(body, boundary)
		if !found {
			return "", nil, fmt.Errorf("mimemsg: boundary %q not found", boundary)
		}
		preamble = string(body[:termStart])
		rest = body[afterDelim:]
	}

	var parts []*Container
	for {
		if bytes.HasPrefix(rest, []byte("--")) {
			break // closing boundary; any epilogue after it is discarded
		}
		i := 0
		for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
			i++
		}
		var termLen int
		switch {
		case i+1 < len(rest) && rest[i] == '\r' && rest[i+1] == '\n':
			termLen = 2
		case i < len(rest) && rest[i] == '\n':
			termLen = 1
		default:
			return preamble, parts, fmt.Errorf("mimemsg: malformed boundary delimiter line")
		}
		partStart := i + termLen

		termStart, afterDelim, found := locateBoundaryLine(rest[partStart:], boundary)
		if !found {
			return preamble, parts, fmt.Errorf("mimemsg: missing closing boundary %q", boundary)
		}
		raw := stripTrailingTerminator(rest[partStart : partStart+termStart])
		child, err := Parse(raw)
		if err != nil {
			return preamble, parts, fmt.Errorf("mimemsg: part: %w", err)
		}
		parts = append(parts, child)
		rest = rest[partStart+afterDelim:]
	}
	return preamble, parts, nil
}

// Serialize renders c back to its wire form: each header as
// "Name: value\r\n", an empty line, then the body (or, for a multipart
// container, the preamble, each part framed by its boundary, and the
// closing boundary line).
func Serialize(c *Container) []byte {
	var buf bytes.Buffer
	for _, h := range c.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	if len(c.Parts) == 0 {
		buf.WriteString(c.Body)
		return buf.Bytes()
	}

	boundary := boundaryFor(c)
	buf.WriteString(c.Body)
	buf.WriteString("\r\n")
	for _, p := range c.Parts {
		buf.WriteString("--")
		buf.WriteString(boundary)
		buf.WriteString("\r\n")
		buf.Write(Serialize(p))
		buf.WriteString("\r\n")
	}
	buf.WriteString("--")
	buf.WriteString(boundary)
	buf.WriteString("--\r\n")
	return buf.Bytes()
}

// boundaryFor returns the boundary declared in c's Content-Type header, or
// a freshly generated one if none is present.
func boundaryFor(c *Container) string {
	if ct, ok := c.Get("Content-Type"); ok {
		if boundary, found := extractBoundary(ct); found {
			return boundary
		}
	}
	return uuid.NewString()
}
