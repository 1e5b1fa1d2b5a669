package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mozilla.org/pkcs7"

	"github.com/vifino/pantosmime/internal/certstore"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func genCertAndKey(t *testing.T, email string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:   big.NewInt(42),
		Subject:        pkix.Name{CommonName: email},
		EmailAddresses: []string{email},
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(time.Hour),
		KeyUsage:       x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func genCert(t *testing.T, email string) *x509.Certificate {
	t.Helper()
	cert, _ := genCertAndKey(t, email)
	return cert
}

func signedDataDER(t *testing.T, content []byte, cert *x509.Certificate, key *rsa.PrivateKey) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("NewSignedData: %v", err)
	}
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return der
}

func TestEncryptFlow(t *testing.T) {
	dir := t.TempDir()
	store := certstore.New(dir)
	if err := store.Save("bob@y", []*x509.Certificate{genCert(t, "bob@y")}); err != nil {
		t.Fatal(err)
	}

	m := New(Config{Responsible: []string{"alice@x"}, CertDir: dir}, discardLogger())

	if r := m.Mail("alice@x"); r.Verdict != VerdictContinue {
		t.Fatalf("Mail: %+v", r)
	}
	if r := m.Rcpt("bob@y"); r.Verdict != VerdictContinue {
		t.Fatalf("Rcpt: %+v", r)
	}
	if r := m.Header("Content-Type", "text/plain"); r.Verdict != VerdictContinue {
		t.Fatalf("Header: %+v", r)
	}
	if r := m.EOH(); r.Verdict != VerdictContinue {
		t.Fatalf("EOH: %+v", r)
	}
	if r := m.Body([]byte("hi")); r.Verdict != VerdictContinue {
		t.Fatalf("Body: %+v", r)
	}

	out := m.EOM()
	if out.Result.Verdict != VerdictAccept {
		t.Fatalf("EOM verdict = %v, want Accept (%+v)", out.Result.Verdict, out.Result)
	}
	if len(out.Body) == 0 {
		t.Fatal("expected replacement body")
	}
	for _, line := range strings.Split(string(out.Body), "\r\n") {
		if len(line) > 76 {
			t.Errorf("line too long: %d", len(line))
		}
	}
	joined := strings.ReplaceAll(string(out.Body), "\r\n", "")
	der, err := base64.StdEncoding.DecodeString(joined)
	if err != nil {
		t.Fatalf("decode wrapped body: %v", err)
	}
	if len(der) == 0 {
		t.Error("empty DER payload")
	}

	want := map[string]string{
		"MIME-Version":              "1.0",
		"Content-Type":              "application/pkcs7-mime; name=smime.p7m; smime-type=enveloped-data",
		"Content-Transfer-Encoding": "base64",
		"Content-Disposition":       "attachment; filename=smime.p7m",
	}
	if len(out.HeaderChanges) != 4 {
		t.Fatalf("HeaderChanges = %d, want 4", len(out.HeaderChanges))
	}
	for _, c := range out.HeaderChanges {
		if want[c.Name] != c.Value {
			t.Errorf("header %s = %q, want %q", c.Name, c.Value, want[c.Name])
		}
	}
	if out.HeaderChanges[1].Add {
		t.Error("Content-Type was present on input with a different value; should be a change, not add")
	}
	if !out.HeaderChanges[0].Add {
		t.Error("MIME-Version was absent on input; should be an add")
	}
}

const signedBodyFmt = "This is the preamble.\r\n" +
	"--sigboundary\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello alice\r\n" +
	"--sigboundary\r\n" +
	"Content-Type: application/pkcs7-signature; name=smime.p7s\r\n" +
	"\r\n" +
	"%s\r\n" +
	"--sigboundary--\r\n"

func TestExtractKeysFlow(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{Responsible: []string{"bob@y"}, CertDir: dir}, discardLogger())

	cert, key := genCertAndKey(t, "alice@x")
	der := signedDataDER(t, []byte("hello alice\r\n"), cert, key)
	body := fmt.Sprintf(signedBodyFmt, base64.StdEncoding.EncodeToString(der))

	if r := m.Mail("alice@x"); r.Verdict != VerdictContinue {
		t.Fatalf("Mail: %+v", r)
	}
	if r := m.Rcpt("bob@y"); r.Verdict != VerdictContinue {
		t.Fatalf("Rcpt: %+v", r)
	}
	if r := m.Header("Content-Type", `multipart/signed; boundary=sigboundary; protocol="application/pkcs7-signature"`); r.Verdict != VerdictContinue {
		t.Fatalf("Header: %+v", r)
	}
	if r := m.EOH(); r.Verdict != VerdictContinue {
		t.Fatalf("EOH: %+v", r)
	}
	if r := m.Body([]byte(body)); r.Verdict != VerdictContinue {
		t.Fatalf("Body: %+v", r)
	}

	out := m.EOM()
	if out.Result.Verdict != VerdictAccept {
		t.Fatalf("EOM verdict = %v (%+v)", out.Result.Verdict, out.Result)
	}

	chain, err := certstore.New(dir).Load("alice@x")
	if err != nil {
		t.Fatalf("expected PEM file written: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain len = %d, want 1", len(chain))
	}
}

func TestNotResponsiblePassesThrough(t *testing.T) {
	m := New(Config{Responsible: []string{"someone@else"}}, discardLogger())
	m.Mail("alice@x")
	m.Rcpt("bob@y")
	r := m.Header("Content-Type", "text/plain")
	if r.Verdict != VerdictAccept {
		t.Fatalf("Header verdict = %v, want Accept", r.Verdict)
	}
}

func TestActionDeterminismSenderPrecedence(t *testing.T) {
	m := New(Config{Responsible: []string{"alice@x", "bob@y"}}, discardLogger())
	m.Mail("alice@x")
	m.Rcpt("bob@y")
	m.Header("Content-Type", "text/plain")
	if m.ctx.action != ActionEncrypt {
		t.Errorf("action = %v, want ActionEncrypt (alice@x is checked first and matches the sender)", m.ctx.action)
	}
}

func TestActionDeterminismEarlierEntryWinsEvenAsRecipient(t *testing.T) {
	m := New(Config{Responsible: []string{"bob@y", "alice@x"}}, discardLogger())
	m.Mail("alice@x")
	m.Rcpt("bob@y")
	m.Header("Content-Type", "text/plain")
	if m.ctx.action != ActionExtractKeys {
		t.Errorf("action = %v, want ActionExtractKeys (bob@y is checked first and matches the recipient, before alice@x is reached)", m.ctx.action)
	}
}

func TestHeaderRetention(t *testing.T) {
	m := New(Config{Responsible: []string{"alice@x"}}, discardLogger())
	m.Mail("alice@x")
	m.Rcpt("bob@y")
	m.Header("Content-Type", "text/plain")
	m.Header("X-Custom", "ignored")
	m.Header("Content-Transfer-Encoding", "7bit")
	if len(m.ctx.headers) != 2 {
		t.Fatalf("retained headers = %d, want 2", len(m.ctx.headers))
	}
	if m.ctx.headers[0].Name != "Content-Type" || m.ctx.headers[1].Name != "Content-Transfer-Encoding" {
		t.Errorf("unexpected retained headers: %+v", m.ctx.headers)
	}
}

func TestContextMissingRejectsOutOfOrderEvents(t *testing.T) {
	m := New(Config{Responsible: []string{"alice@x"}}, discardLogger())
	if r := m.Rcpt("bob@y"); r.Verdict != VerdictReject || r.Kind != KindContextMissing {
		t.Errorf("Rcpt without Mail: %+v", r)
	}
}

func TestBodyTooLarge(t *testing.T) {
	m := New(Config{Responsible: []string{"alice@x"}, MaxBodyBytes: 4}, discardLogger())
	m.Mail("alice@x")
	m.Rcpt("bob@y")
	m.Header("Content-Type", "text/plain")
	if r := m.Body([]byte("toolong")); r.Verdict != VerdictReject || r.Kind != KindBodyTooLarge {
		t.Errorf("Body: %+v", r)
	}
}

func TestNoHeaders(t *testing.T) {
	m := New(Config{Responsible: []string{"alice@x"}}, discardLogger())
	m.Mail("alice@x")
	m.Rcpt("bob@y")
	if r := m.EOH(); r.Verdict != VerdictReject || r.Kind != KindNoHeaders {
		t.Errorf("EOH with no headers: %+v", r)
	}
}
