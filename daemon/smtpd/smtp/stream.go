/*
Package smtp implements the per-connection SMTP protocol engine: a
line-buffered dual-mode (plain/TLS) stream and the session state machine
that drives the command/reply dialog on top of it.

I would like to express my gratitude to Chris Siebenmann for his inspiring
pioneer work on an implementation of an SMTP server written in Go - the
line-buffered reading and in-place STARTTLS upgrade approach here continues
in that same spirit.
*/
package smtp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"
)

// MaxCommandLength is the maximum acceptable length of a single protocol
// command line. It does not bound the size of a DATA message body, which is
// governed by Config.MaxMessageLength instead.
const MaxCommandLength = 4096

// Stream is a byte stream that is either plaintext or TLS-wrapped,
// supporting line-buffered reads, raw writes, and an in-place upgrade from
// plain to encrypted by consuming the underlying socket and wrapping it in
// a TLS server context. After Upgrade returns successfully, no buffered
// plaintext bytes from before the upgrade are replayed: the prior buffered
// reader is discarded and replaced outright.
type Stream struct {
	conn        net.Conn
	limitReader *io.LimitedReader
	textReader  *textproto.Reader
	ioTimeout   time.Duration
	tlsActive   bool
	tlsState    tls.ConnectionState
}

// NewStream wraps conn for line-buffered SMTP traffic with the given
// read/write deadline applied to every operation.
func NewStream(conn net.Conn, ioTimeout time.Duration) *Stream {
	s := &Stream{ioTimeout: ioTimeout}
	s.reset(conn)
	return s
}

// reset (re)installs the buffered text reader atop conn. Called once at
// construction and again after a successful STARTTLS upgrade.
func (s *Stream) reset(conn net.Conn) {
	s.conn = conn
	s.limitReader = io.LimitReader(conn, MaxCommandLength).(*io.LimitedReader)
	s.textReader = textproto.NewReader(bufio.NewReader(s.limitReader))
}

// TLSActive reports whether Upgrade has already completed successfully on
// this stream.
func (s *Stream) TLSActive() bool {
	return s.tlsActive
}

// TLSConnectionState returns the negotiated TLS state after a successful
// Upgrade; its zero value before that.
func (s *Stream) TLSConnectionState() tls.ConnectionState {
	return s.tlsState
}

// ReadLine reads a single CRLF-terminated command line, with the terminator
// stripped. An empty string with a non-nil error indicates the peer closed
// the connection or the read exceeded its deadline or length limit.
func (s *Stream) ReadLine() (string, error) {
	s.limitReader.N = MaxCommandLength
	if err := s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return "", err
	}
	line, err := s.textReader.ReadLine()
	if err != nil {
		return "", err
	}
	if s.limitReader.N == 0 {
		return "", fmt.Errorf("smtp: command line exceeded %d bytes", MaxCommandLength)
	}
	return line, nil
}

// ReadDotBytes reads a DATA body terminated by a line consisting of exactly
// ".\r\n", up to maxLength bytes. Per the textproto.Reader.ReadDotBytes
// contract this also performs RFC 5321 dot-unstuffing (removing a leading
// extra "." on any data line) as an unavoidable side effect of using the
// standard library's dot-reading routine.
func (s *Stream) ReadDotBytes(maxLength int64) ([]byte, error) {
	s.limitReader.N = maxLength
	if err := s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return nil, err
	}
	data, err := s.textReader.ReadDotBytes()
	if s.limitReader.N == 0 {
		return nil, errMessageTooLarge
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// errMessageTooLarge is returned by ReadDotBytes when the DATA body reached
// its byte limit before the dot-terminator was seen, regardless of what
// error (if any) the underlying dot-reader itself produced as a result.
var errMessageTooLarge = fmt.Errorf("smtp: message body exceeded its configured limit")

// WriteLine writes a single CRLF-terminated reply line.
func (s *Stream) WriteLine(format string, a ...interface{}) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write([]byte(fmt.Sprintf(format+"\r\n", a...)))
	return err
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the address of the connected peer.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Upgrade performs a server-side TLS handshake atop the current connection
// and, on success, replaces the underlying connection and buffered reader
// outright so that no unbuffered plaintext bytes survive the transition.
// Upgrade is fallible; on failure the caller must terminate the session.
func (s *Stream) Upgrade(tlsConfig *tls.Config) error {
	if err := s.conn.SetDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return err
	}
	tlsConn := tls.Server(s.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	s.reset(tlsConn)
	s.tlsActive = true
	s.tlsState = tlsConn.ConnectionState()
	return nil
}
