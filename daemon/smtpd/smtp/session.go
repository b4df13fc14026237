package smtp

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/mailforge/mailforge/lalog"
	"github.com/mailforge/mailforge/webhook"
)

// DefaultIOTimeout is the read/write deadline applied to every socket
// operation for a session, guarding against a peer that opens a connection
// and then never speaks.
const DefaultIOTimeout = 2 * time.Minute

// Config carries the data a Session needs, shared read-only by every
// concurrently running session spawned off the same listener.
type Config struct {
	// Hostname is advertised in the greeting and EHLO/HELO replies.
	Hostname string
	// MaxMessageSize is the maximum number of bytes, including line
	// terminators, accepted during a DATA transaction.
	MaxMessageSize int64
	// TLSConfig is consulted by STARTTLS; a nil value makes STARTTLS always
	// fail with a permanent negative reply.
	TLSConfig *tls.Config
	// Webhooks is the recipient routing table, consulted at RCPT TO and
	// again at fan-out using the identical snapshot.
	Webhooks webhook.Table
	// IOTimeout overrides DefaultIOTimeout when non-zero.
	IOTimeout time.Duration
	// Metrics, if non-nil, records the outcome and latency of every
	// webhook dispatch this session's fan-out performs.
	Metrics *webhook.Metrics
}

func (c *Config) ioTimeout() time.Duration {
	if c.IOTimeout > 0 {
		return c.IOTimeout
	}
	return DefaultIOTimeout
}

// Session is the per-connection SMTP state machine. One Session exclusively
// owns one Stream for the lifetime of one TCP connection; there is no
// shared mutable state across sessions.
type Session struct {
	stream *Stream
	config *Config
	logger lalog.Logger

	heloSet      bool
	heloIdentity string
	mailFromSet  bool
	mailFrom     string
	rcptTo       []string
}

// NewSession constructs a session atop an already-accepted connection.
// Config is shared by reference and must not be mutated after the listener
// starts handing out sessions.
func NewSession(stream *Stream, config *Config, logger lalog.Logger) *Session {
	return &Session{stream: stream, config: config, logger: logger}
}

// resetEnvelope clears mail_from, rcpt_to, and (per this implementation's
// chosen interpretation of the open question) helo_identity. tls_active is
// untouched - RSET never affects it.
func (s *Session) resetEnvelope() {
	s.heloSet = false
	s.heloIdentity = ""
	s.mailFromSet = false
	s.mailFrom = ""
	s.rcptTo = nil
}

// Serve drives the command/reply dialog to completion: greeting, command
// loop, and (on QUIT, a fatal transport error, or an oversize DATA) session
// teardown. It never panics and never returns an error the caller must act
// on beyond closing the connection, which it does itself before returning.
func (s *Session) Serve(ctx context.Context) {
	defer s.stream.Close()

	if err := s.stream.WriteLine("220 %s Mail Forge SMTP Server Ready", s.config.Hostname); err != nil {
		return
	}

	for {
		line, err := s.stream.ReadLine()
		if err != nil {
			return
		}
		cmd := parseConversationCommand(line)
		quit, err := s.dispatch(ctx, cmd)
		if err != nil {
			return
		}
		if quit {
			return
		}
	}
}

// dispatch handles exactly one parsed command line, writing its reply (or
// replies, for EHLO) to the stream. The returned bool is true once the
// session should terminate (QUIT, or a fatal transport/TLS failure).
func (s *Session) dispatch(ctx context.Context, cmd protocolCommand) (quit bool, err error) {
	switch cmd.Verb {
	case VerbHELO:
		s.heloSet = true
		s.heloIdentity = cmd.Parameter
		return false, s.stream.WriteLine("250 %s Mail Forge ESMTP Server Ready", s.config.Hostname)

	case VerbEHLO:
		s.heloSet = true
		s.heloIdentity = cmd.Parameter
		if err := s.stream.WriteLine("250-%s Mail Forge ESMTP Server Ready", s.config.Hostname); err != nil {
			return false, err
		}
		if err := s.stream.WriteLine("250-STARTTLS"); err != nil {
			return false, err
		}
		return false, s.stream.WriteLine("250 SIZE %d", s.config.MaxMessageSize)

	case VerbSTARTTLS:
		if s.stream.TLSActive() || s.config.TLSConfig == nil {
			return false, s.stream.WriteLine("503 Bad sequence of commands")
		}
		if err := s.stream.WriteLine("220 Ready to start TLS"); err != nil {
			return false, err
		}
		if err := s.stream.Upgrade(s.config.TLSConfig); err != nil {
			return true, err
		}
		// A successful upgrade returns the session to GREETED over the new
		// encrypted channel; prior HELO/EHLO and envelope state do not
		// survive because the client is expected to re-greet.
		s.resetEnvelope()
		return false, nil

	case VerbMAILFROM:
		address := strings.TrimSpace(cmd.Parameter)
		if cmd.ErrorInfo != "" || address == "" {
			return false, s.stream.WriteLine("501 5.5.2 Syntax error: Empty email address")
		}
		s.mailFromSet = true
		s.mailFrom = address
		s.rcptTo = nil
		return false, s.stream.WriteLine("250 2.1.0 OK")

	case VerbRCPTTO:
		if !s.mailFromSet {
			return false, s.stream.WriteLine("503 Bad sequence of commands")
		}
		address := strings.TrimSpace(cmd.Parameter)
		if cmd.ErrorInfo != "" || address == "" {
			return false, s.stream.WriteLine("501 5.5.2 Syntax error: Empty email address")
		}
		if _, ok := s.config.Webhooks.Resolve(address); !ok {
			return false, s.stream.WriteLine("550 5.7.1 Unable to relay")
		}
		s.rcptTo = append(s.rcptTo, address)
		return false, s.stream.WriteLine("250 2.1.5 Recipient OK")

	case VerbDATA:
		if !s.mailFromSet || len(s.rcptTo) == 0 {
			return false, s.stream.WriteLine("503 Bad sequence of commands")
		}
		return s.handleData(ctx)

	case VerbRSET:
		s.resetEnvelope()
		return false, s.stream.WriteLine("250 OK")

	case VerbNOOP:
		return false, s.stream.WriteLine("250 OK")

	case VerbVRFY:
		return false, s.stream.WriteLine("252 Cannot VRFY user")

	case VerbQUIT:
		if err := s.stream.WriteLine("221 Bye"); err != nil {
			return true, err
		}
		return true, nil

	default:
		return false, s.stream.WriteLine("500 Syntax error, command unrecognized")
	}
}

// handleData streams the DATA body to completion, then fans the finished
// message out to every accepted recipient's webhook. An oversize body is a
// fatal session error per invariant 3; any other outcome replies and keeps
// the session open for further transactions.
func (s *Session) handleData(ctx context.Context) (quit bool, err error) {
	if err := s.stream.WriteLine("354 End data with <CR><LF>.<CR><LF>"); err != nil {
		return false, err
	}

	raw, err := s.stream.ReadDotBytes(s.config.MaxMessageSize + 1)
	if err == errMessageTooLarge {
		_ = s.stream.WriteLine("552 Message size exceeds maximum permitted")
		return true, errMessageTooLarge
	}
	if err != nil {
		return true, err
	}

	rcpt := s.rcptTo
	anySucceeded := s.fanOut(ctx, raw, rcpt)
	s.resetEnvelope()

	if anySucceeded {
		return false, s.stream.WriteLine("250 OK")
	}
	return false, s.stream.WriteLine("554 Failed to process email for all recipients.")
}

// fanOut resolves and dispatches the received message to every recipient
// independently and concurrently, returning true if at least one dispatch
// succeeded. Per-recipient resolution re-consults the same routing table
// snapshot used at RCPT TO time, satisfying invariant 1.
func (s *Session) fanOut(ctx context.Context, raw []byte, recipients []string) bool {
	var wg sync.WaitGroup
	results := make([]bool, len(recipients))

	for i, address := range recipients {
		entry, ok := s.config.Webhooks.Resolve(address)
		if !ok {
			s.logger.Warning(address, nil, "recipient no longer resolves at fan-out time")
			continue
		}
		wg.Add(1)
		go func(i int, address string, entry webhook.Entry) {
			defer wg.Done()
			start := time.Now()
			err := webhook.Forward(ctx, s.logger, entry, raw)
			outcome := "success"
			if err != nil {
				outcome = "failure"
				s.logger.Warning(address, err, "webhook dispatch failed")
			} else {
				results[i] = true
			}
			s.config.Metrics.ObserveDispatch(outcome, time.Since(start).Seconds())
		}(i, address, entry)
	}
	wg.Wait()

	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}
