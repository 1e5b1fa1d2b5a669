// Package session implements the per-connection message-processing state
// machine: it tracks sender, recipients, retained headers and the
// accumulated body of one in-flight message, decides whether the message
// should be encrypted or harvested for a signer certificate, and produces
// the header/body rewrite the milter adapter sends back to the MTA.
package session

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vifino/pantosmime/internal/address"
	"github.com/vifino/pantosmime/internal/b64wrap"
	"github.com/vifino/pantosmime/internal/certstore"
	"github.com/vifino/pantosmime/internal/mimemsg"
	"github.com/vifino/pantosmime/internal/smimecrypto"
)

// Action is the closed two-variant decision tag for a message, with a
// third Undecided state for before the decision has been made (or for a
// message this daemon is not responsible for at all).
type Action int

const (
	ActionUndecided Action = iota
	ActionEncrypt
	ActionExtractKeys
)

// ErrorKind classifies why a message was rejected, for structured logging.
type ErrorKind string

const (
	KindEnvelopeMalformed ErrorKind = "envelope_malformed"
	KindContextMissing    ErrorKind = "context_missing"
	KindNoHeaders         ErrorKind = "no_headers"
	KindCertificateLookup ErrorKind = "certificate_lookup"
	KindCryptoFailure     ErrorKind = "crypto_failure"
	KindMimeParseFailure  ErrorKind = "mime_parse_failure"
	KindTransportFailure  ErrorKind = "transport_failure"
	KindBodyTooLarge      ErrorKind = "body_too_large"
)

// Verdict is what the caller should tell the MTA.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictAccept
	VerdictReject
)

// Result is returned by every event handler except EOM, which returns the
// richer Outcome.
type Result struct {
	Verdict Verdict
	Kind    ErrorKind // zero value if Verdict != VerdictReject
	Reason  string    // human-readable detail, logged and usable as an SMTP reject reason
}

// HeaderChange is one header rewrite the milter adapter must send to the
// MTA.
type HeaderChange struct {
	Name  string
	Value string
	// Add is true for "add this header", false for "change the first
	// occurrence of this header".
	Add bool
}

// Outcome is the result of the EOM handler: a Result plus, on a successful
// Encrypt or ExtractKeys dispatch, the modifications to send.
type Outcome struct {
	Result        Result
	HeaderChanges []HeaderChange
	Body          []byte // nil if the body should not be replaced
	InfoHeader    string // value for the X-PANTOSMIME header; empty means don't add one
}

// rewriteTargets are the only headers a Context retains; all others flow
// through unexamined.
var rewriteTargets = []string{"MIME-Version", "Content-Type", "Content-Transfer-Encoding", "Content-Disposition"}

func isRewriteTarget(name string) bool {
	for _, t := range rewriteTargets {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// rewriteSet is the literal header block written on a successful Encrypt,
// in the order the rewrite algorithm iterates it.
var rewriteSet = []HeaderChange{
	{Name: "MIME-Version", Value: "1.0"},
	{Name: "Content-Type", Value: "application/pkcs7-mime; name=smime.p7m; smime-type=enveloped-data"},
	{Name: "Content-Transfer-Encoding", Value: "base64"},
	{Name: "Content-Disposition", Value: "attachment; filename=smime.p7m"},
}

// Context is the per-message mutable state, owned by a single Machine and
// never shared across messages or connections.
type Context struct {
	actionDecided bool
	action        Action
	sender        string
	recipients    []string
	queueID       string
	headers       []mimemsg.Header
	body          []byte
}

// Config is the immutable, shared-across-connections configuration: the
// responsible address list and certificate store location.
type Config struct {
	Responsible  []string
	CertDir      string
	MaxBodyBytes int64
}

// Machine drives one milter connection's sequence of messages. It is not
// safe for concurrent use; the milter transport already serializes all
// callbacks for one connection.
type Machine struct {
	cfg   Config
	store *certstore.Store
	log   zerolog.Logger
	ctx   *Context
}

// New returns a Machine bound to cfg, logging through log.
func New(cfg Config, log zerolog.Logger) *Machine {
	return &Machine{cfg: cfg, store: certstore.New(cfg.CertDir), log: log}
}

// Reset discards any in-flight message context, as happens on MAIL FROM
// (new message) or an aborted transaction.
func (m *Machine) Reset() {
	m.ctx = nil
}

// QueueID returns the current message's queue id, or "" if unknown.
func (m *Machine) QueueID() string {
	if m.ctx == nil {
		return ""
	}
	return m.ctx.queueID
}

// SetQueueID records the MTA-supplied queue id the first time it is seen.
func (m *Machine) SetQueueID(id string) {
	if m.ctx != nil && m.ctx.queueID == "" {
		m.ctx.queueID = id
	}
}

func (m *Machine) reject(kind ErrorKind, detail string) Result {
	ev := m.log.Error().Str("queue_id", m.QueueID()).Str("kind", string(kind))
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	ev.Msg("rejecting message")
	return Result{Verdict: VerdictReject, Kind: kind, Reason: detail}
}

// Mail handles the MAIL FROM event: arg is the raw ESMTP argument.
func (m *Machine) Mail(arg string) Result {
	m.Reset()
	sender, err := address.Extract(arg)
	if err != nil {
		return m.reject(KindEnvelopeMalformed, err.Error())
	}
	m.ctx = &Context{sender: sender}
	return Result{Verdict: VerdictContinue}
}

// Rcpt handles one RCPT TO event.
func (m *Machine) Rcpt(arg string) Result {
	if m.ctx == nil {
		return m.reject(KindContextMissing, "RCPT before MAIL")
	}
	rcpt, err := address.Extract(arg)
	if err != nil {
		return m.reject(KindEnvelopeMalformed, err.Error())
	}
	m.ctx.recipients = append(m.ctx.recipients, rcpt)
	return Result{Verdict: VerdictContinue}
}

// decideAction walks the responsible list in order, checking each entry
// against the sender and then the recipients before moving to the next
// entry: the first entry that matches anything wins, even if a later
// entry would have matched the sender.
func (m *Machine) decideAction() {
	for _, r := range m.cfg.Responsible {
		if address.EqualFold(r, m.ctx.sender) {
			m.ctx.action = ActionEncrypt
			m.ctx.actionDecided = true
			return
		}
		for _, rcpt := range m.ctx.recipients {
			if address.EqualFold(r, rcpt) {
				m.ctx.action = ActionExtractKeys
				m.ctx.actionDecided = true
				return
			}
		}
	}
	m.ctx.actionDecided = true
	m.ctx.action = ActionUndecided
}

// Header handles one header event. The action is decided on the first
// call; if the message turns out not to be one this daemon is responsible
// for, it returns VerdictAccept immediately with no further processing.
func (m *Machine) Header(name, value string) Result {
	if m.ctx == nil {
		return m.reject(KindContextMissing, "HEADER before MAIL")
	}
	if !m.ctx.actionDecided {
		m.decideAction()
		if m.ctx.action == ActionUndecided {
			m.log.Info().
				Str("queue_id", m.QueueID()).
				Str("sender", m.ctx.sender).
				Int("recipients", len(m.ctx.recipients)).
				Str("action", "pass_through").
				Msg("not responsible, passing message through")
			return Result{Verdict: VerdictAccept}
		}
	}
	if isRewriteTarget(name) {
		m.ctx.headers = append(m.ctx.headers, mimemsg.Header{Name: name, Value: value})
	}
	return Result{Verdict: VerdictContinue}
}

// EOH handles the end-of-headers event.
func (m *Machine) EOH() Result {
	if m.ctx == nil {
		return m.reject(KindContextMissing, "EOH before MAIL")
	}
	if len(m.ctx.headers) == 0 {
		return m.reject(KindNoHeaders, "")
	}
	return Result{Verdict: VerdictContinue}
}

// Body appends one body chunk, rejecting the message if the configured
// maximum body size is exceeded.
func (m *Machine) Body(chunk []byte) Result {
	if m.ctx == nil {
		return m.reject(KindContextMissing, "BODY before MAIL")
	}
	if m.cfg.MaxBodyBytes > 0 && int64(len(m.ctx.body)+len(chunk)) > m.cfg.MaxBodyBytes {
		return m.reject(KindBodyTooLarge, fmt.Sprintf("body exceeds %d bytes", m.cfg.MaxBodyBytes))
	}
	m.ctx.body = append(m.ctx.body, chunk...)
	return Result{Verdict: VerdictContinue}
}

// EOM handles the end-of-message event and produces the final Outcome.
func (m *Machine) EOM() Outcome {
	if m.ctx == nil || !m.ctx.actionDecided || m.ctx.action == ActionUndecided {
		return Outcome{Result: m.reject(KindContextMissing, "EOM with no decided action")}
	}
	m.log.Info().
		Str("queue_id", m.QueueID()).
		Str("sender", m.ctx.sender).
		Int("recipients", len(m.ctx.recipients)).
		Str("action", actionName(m.ctx.action)).
		Msg("dispatching message")

	switch m.ctx.action {
	case ActionEncrypt:
		return m.eomEncrypt()
	case ActionExtractKeys:
		return m.eomExtractKeys()
	default:
		return Outcome{Result: m.reject(KindContextMissing, "unreachable action")}
	}
}

func actionName(a Action) string {
	switch a {
	case ActionEncrypt:
		return "encrypt"
	case ActionExtractKeys:
		return "extract_keys"
	default:
		return "undecided"
	}
}

func (m *Machine) eomEncrypt() Outcome {
	certs := make([]*x509.Certificate, 0, len(m.ctx.recipients))
	for _, rcpt := range m.ctx.recipients {
		chain, err := m.store.Load(rcpt)
		if err != nil {
			return Outcome{Result: m.reject(KindCertificateLookup, err.Error())}
		}
		cert, err := smimecrypto.FindCertForEmail(chain, rcpt)
		if err != nil {
			return Outcome{Result: m.reject(KindCertificateLookup, err.Error())}
		}
		certs = append(certs, cert)
	}

	der, err := smimecrypto.Encrypt(m.ctx.body, certs)
	if err != nil {
		return Outcome{Result: m.reject(KindCryptoFailure, err.Error())}
	}

	wrapped := b64wrap.Wrap(base64.StdEncoding.EncodeToString(der), 76)

	return Outcome{
		Result:        Result{Verdict: VerdictAccept},
		HeaderChanges: rewriteHeaderChanges(m.ctx.headers),
		Body:          []byte(wrapped),
		InfoHeader:    "Successfully encrypted plain-text message. Yay!",
	}
}

func rewriteHeaderChanges(retained []mimemsg.Header) []HeaderChange {
	var changes []HeaderChange
	for _, rw := range rewriteSet {
		found := false
		for _, h := range retained {
			if strings.EqualFold(h.Name, rw.Name) {
				found = true
				if h.Value != rw.Value {
					changes = append(changes, HeaderChange{Name: rw.Name, Value: rw.Value, Add: false})
				}
				break
			}
		}
		if !found {
			changes = append(changes, HeaderChange{Name: rw.Name, Value: rw.Value, Add: true})
		}
	}
	return changes
}

func (m *Machine) eomExtractKeys() Outcome {
	doc := reconstructDocument(m.ctx.headers, m.ctx.body)
	container, err := mimemsg.Parse(doc)
	if err != nil {
		return Outcome{Result: m.reject(KindMimeParseFailure, err.Error())}
	}

	ct, _ := container.Get("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "multipart/signed") {
		return Outcome{Result: Result{Verdict: VerdictAccept}}
	}

	var sigPart *mimemsg.Container
	for _, p := range container.Parts {
		pct, _ := p.Get("Content-Type")
		lc := strings.ToLower(pct)
		if strings.Contains(lc, "application/pkcs7-signature") || strings.Contains(lc, "application/x-pkcs7-signature") {
			sigPart = p
			break
		}
	}
	if sigPart == nil {
		return Outcome{Result: m.reject(KindMimeParseFailure, "no pkcs7-signature part found")}
	}

	der, err := base64.StdEncoding.DecodeString(stripASCIIWhitespace(sigPart.Body))
	if err != nil {
		return Outcome{Result: m.reject(KindCryptoFailure, err.Error())}
	}

	chain, err := smimecrypto.ExtractCertificates(der)
	if err != nil {
		return Outcome{Result: m.reject(KindCryptoFailure, err.Error())}
	}

	if _, err := smimecrypto.FindCertForEmail(chain, m.ctx.sender); err != nil {
		return Outcome{Result: m.reject(KindCertificateLookup, err.Error())}
	}

	if err := m.store.Save(m.ctx.sender, chain); err != nil {
		return Outcome{Result: m.reject(KindCertificateLookup, err.Error())}
	}

	return Outcome{
		Result:     Result{Verdict: VerdictAccept},
		InfoHeader: "Successfully extracted signature and certificate chain. Yay!",
	}
}

func reconstructDocument(headers []mimemsg.Header, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

func stripASCIIWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
