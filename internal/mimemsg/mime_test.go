package mimemsg

import (
	"bytes"
	"testing"
)

func TestParseSinglePart(t *testing.T) {
	in := "Content-Type: text/plain\r\nFrom: test@example.com\r\n\r\nHello, this is a test email body."
	c, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.Parts) != 0 {
		t.Errorf("Parts = %d, want 0", len(c.Parts))
	}
	if c.Body != "Hello, this is a test email body." {
		t.Errorf("Body = %q", c.Body)
	}
	if len(c.Headers) != 2 {
		t.Errorf("len(Headers) = %d, want 2", len(c.Headers))
	}
}

const multipartInput = "MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=frontier\r\n" +
	"\r\n" +
	"This is a message with multiple parts in MIME format.\r\n" +
	"--frontier\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"This is the body of the message.\r\n" +
	"--frontier\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"PGh0bWw+...==\r\n" +
	"--frontier--\r\n"

func TestParseMultipart(t *testing.T) {
	c, err := Parse([]byte(multipartInput))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.Parts) != 2 {
		t.Fatalf("Parts = %d, want 2", len(c.Parts))
	}
	if c.Body != "This is a message with multiple parts in MIME format." {
		t.Errorf("preamble = %q", c.Body)
	}
	if c.Parts[0].Body != "This is the body of the message." {
		t.Errorf("part[0].Body = %q", c.Parts[0].Body)
	}

	out := Serialize(c)
	if !bytes.Equal(out, []byte(multipartInput)) {
		t.Errorf("round-trip mismatch:\ngot:  %q\nwant: %q", out, multipartInput)
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	inputs := []string{
		"Content-Type: text/plain\r\n\r\nplain body",
		multipartInput,
	}
	for _, in := range inputs {
		c1, err := Parse([]byte(in))
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		out := Serialize(c1)
		c2, err := Parse(out)
		if err != nil {
			t.Fatalf("Parse(serialize(...)): %v", err)
		}
		out2 := Serialize(c2)
		if !bytes.Equal(out, out2) {
			t.Errorf("parse(serialize(parse(x))) != parse(x) for %q", in)
		}
	}
}

func TestFoldedHeader(t *testing.T) {
	in := "Subject: hello\r\n world\r\n\r\nbody"
	c, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := c.Get("Subject")
	if !ok || v != "hello world" {
		t.Errorf("Subject = %q, %v", v, ok)
	}
}

func TestMissingSeparator(t *testing.T) {
	_, err := Parse([]byte("Content-Type: text/plain\r\n"))
	if err != ErrMissingSeparator {
		t.Errorf("err = %v, want ErrMissingSeparator", err)
	}
}
