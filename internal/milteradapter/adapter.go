// Package milteradapter binds a session.Machine to the github.com/d--j/go-milter
// server interface: it translates milter callbacks into Machine events and
// Machine results back into milter responses and modification calls.
package milteradapter

import (
	"fmt"

	milter "github.com/d--j/go-milter"
	"github.com/rs/zerolog"

	"github.com/vifino/pantosmime/internal/session"
)

// NegotiatedActions are the milter actions pantosmime needs the MTA to
// grant: header add/change and full body replacement.
const NegotiatedActions = milter.OptAddHeader | milter.OptChangeHeader | milter.OptChangeBody

// NegotiatedProtocol suppresses the connection/HELO events pantosmime never
// looks at.
const NegotiatedProtocol = milter.OptNoConnect | milter.OptNoHelo

// InfoHeaderName is the header pantosmime adds on a successful dispatch to
// record what it did, for operator visibility in delivered mail.
const InfoHeaderName = "X-Pantosmime"

// Milter adapts one milter connection's session.Machine. A new Milter is
// constructed per-connection by NewMilterFunc.
type Milter struct {
	milter.NoOpMilter
	machine *session.Machine
	log     zerolog.Logger
}

// NewMilterFunc returns a factory suitable for milter.WithMilter,
// constructing one Milter (and one session.Machine) per connection.
func NewMilterFunc(cfg session.Config, log zerolog.Logger) func() milter.Milter {
	return func() milter.Milter {
		return &Milter{machine: session.New(cfg, log), log: log}
	}
}

func (a *Milter) NewConnection(m milter.Modifier) error {
	a.machine.Reset()
	return nil
}

func (a *Milter) MailFrom(from string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	r := a.machine.Mail(from)
	a.machine.SetQueueID(m.Get(milter.MacroQueueId))
	return respond(r)
}

func (a *Milter) RcptTo(rcptTo string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	return respond(a.machine.Rcpt(rcptTo))
}

func (a *Milter) Header(name string, value string, m milter.Modifier) (*milter.Response, error) {
	return respond(a.machine.Header(name, value))
}

func (a *Milter) Headers(m milter.Modifier) (*milter.Response, error) {
	return respond(a.machine.EOH())
}

func (a *Milter) BodyChunk(chunk []byte, m milter.Modifier) (*milter.Response, error) {
	return respond(a.machine.Body(chunk))
}

func (a *Milter) EndOfMessage(m milter.Modifier) (*milter.Response, error) {
	out := a.machine.EOM()
	if out.Result.Verdict == session.VerdictReject {
		return respond(out.Result)
	}

	for _, c := range out.HeaderChanges {
		var err error
		if c.Add {
			err = m.AddHeader(c.Name, c.Value)
		} else {
			err = m.ChangeHeader(1, c.Name, c.Value)
		}
		if err != nil {
			return a.transportFailure(fmt.Sprintf("header %s: %v", c.Name, err))
		}
	}
	if out.Body != nil {
		if err := m.ReplaceBodyRawChunk(out.Body); err != nil {
			return a.transportFailure(fmt.Sprintf("replace body: %v", err))
		}
	}
	if out.InfoHeader != "" {
		if err := m.AddHeader(InfoHeaderName, out.InfoHeader); err != nil {
			a.log.Error().Str("queue_id", a.machine.QueueID()).Err(err).Msg("failed to add info header")
		}
	}
	return milter.RespAccept, nil
}

func (a *Milter) Abort(m milter.Modifier) error {
	a.machine.Reset()
	return nil
}

func (a *Milter) Cleanup(m milter.Modifier) {
	a.machine.Reset()
}

// transportFailure logs a failed modification call and rejects the message.
func (a *Milter) transportFailure(detail string) (*milter.Response, error) {
	a.log.Error().Str("queue_id", a.machine.QueueID()).Str("kind", string(session.KindTransportFailure)).Str("detail", detail).Msg("rejecting message")
	return respond(session.Result{Verdict: session.VerdictReject, Kind: session.KindTransportFailure, Reason: detail})
}

func respond(r session.Result) (*milter.Response, error) {
	switch r.Verdict {
	case session.VerdictAccept:
		return milter.RespAccept, nil
	case session.VerdictReject:
		reason := r.Reason
		if reason == "" {
			reason = string(r.Kind)
		}
		return milter.RejectWithCodeAndReason(550, fmt.Sprintf("5.7.1 %s", reason))
	default:
		return milter.RespContinue, nil
	}
}
