package smtp

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mailforge/mailforge/lalog"
	"github.com/mailforge/mailforge/webhook"
)

// sessionFixture wires a Session to one end of an in-memory pipe and hands
// the test the other end, pre-wrapped with a line reader.
type sessionFixture struct {
	client *bufio.Reader
	conn   net.Conn
}

func newSessionFixture(t *testing.T, config *Config) *sessionFixture {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	config.IOTimeout = 5 * time.Second
	session := NewSession(NewStream(serverConn, config.ioTimeout()), config, lalog.Logger{ComponentName: "test"})
	go session.Serve(context.Background())
	return &sessionFixture{client: bufio.NewReader(clientConn), conn: clientConn}
}

func (f *sessionFixture) send(t *testing.T, line string) {
	t.Helper()
	if _, err := f.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (f *sessionFixture) expect(t *testing.T, want string) {
	t.Helper()
	line, err := f.client.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply for expected %q: %v", want, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line != want {
		t.Fatalf("reply = %q, want %q", line, want)
	}
}

func basicConfig(webhooks webhook.Table) *Config {
	return &Config{Hostname: "mail.example", MaxMessageSize: 1024, Webhooks: webhooks}
}

func TestSessionBasicAccept(t *testing.T) {
	table := webhook.NewTable(map[string]webhook.Entry{"known@served.tld": {URL: "http://unused.invalid", APIKey: "k"}})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "EHLO client.example")
	f.expect(t, "250-mail.example Mail Forge ESMTP Server Ready")
	f.expect(t, "250-STARTTLS")
	f.expect(t, "250 SIZE 1024")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<known@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
	f.send(t, "QUIT")
	f.expect(t, "221 Bye")
}

func TestSessionAcceptsAddressesWithoutAngleBrackets(t *testing.T) {
	table := webhook.NewTable(map[string]webhook.Entry{"known@served.tld": {URL: "http://unused.invalid", APIKey: "k"}})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "MAIL FROM:a@x")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:known@served.tld")
	f.expect(t, "250 2.1.5 Recipient OK")
}

func TestSessionUnroutableRecipient(t *testing.T) {
	table := webhook.NewTable(map[string]webhook.Entry{"known@served.tld": {URL: "http://unused.invalid", APIKey: "k"}})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "EHLO client.example")
	f.expect(t, "250-mail.example Mail Forge ESMTP Server Ready")
	f.expect(t, "250-STARTTLS")
	f.expect(t, "250 SIZE 1024")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<stranger@other>")
	f.expect(t, "550 5.7.1 Unable to relay")
}

func TestSessionWildcardMatch(t *testing.T) {
	table := webhook.NewTable(map[string]webhook.Entry{"*@served.tld": {URL: "http://unused.invalid", APIKey: "k"}})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<anyone@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
}

func TestSessionDataBeforeEnvelopeIsBadSequence(t *testing.T) {
	f := newSessionFixture(t, basicConfig(webhook.NewTable(nil)))
	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "DATA")
	f.expect(t, "503 Bad sequence of commands")
}

func TestSessionRSETClearsEnvelope(t *testing.T) {
	table := webhook.NewTable(map[string]webhook.Entry{"known@served.tld": {URL: "http://unused.invalid", APIKey: "k"}})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<known@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
	f.send(t, "RSET")
	f.expect(t, "250 OK")
	f.send(t, "DATA")
	f.expect(t, "503 Bad sequence of commands")
}

func TestSessionOversizeDataAbortsSession(t *testing.T) {
	table := webhook.NewTable(map[string]webhook.Entry{"known@served.tld": {URL: "http://unused.invalid", APIKey: "k"}})
	config := basicConfig(table)
	config.MaxMessageSize = 10
	f := newSessionFixture(t, config)

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<known@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
	f.send(t, "DATA")
	f.expect(t, "354 End data with <CR><LF>.<CR><LF>")
	f.send(t, "this line is far longer than ten bytes")
	f.send(t, ".")
	f.expect(t, "552 Message size exceeds maximum permitted")
}

func TestSessionSecondStarttlsIsBadSequence(t *testing.T) {
	table := webhook.NewTable(nil)
	config := basicConfig(table)
	f := newSessionFixture(t, config)

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "STARTTLS")
	f.expect(t, "503 Bad sequence of commands")
}

func TestSessionFanOutPartialFailureStillReportsOK(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	table := webhook.NewTable(map[string]webhook.Entry{
		"good@served.tld": {URL: good.URL, APIKey: "k"},
		"bad@served.tld":  {URL: bad.URL, APIKey: "k"},
	})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<good@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
	f.send(t, "RCPT TO:<bad@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
	f.send(t, "DATA")
	f.expect(t, "354 End data with <CR><LF>.<CR><LF>")
	f.send(t, "Subject: hi")
	f.send(t, "")
	f.send(t, "body")
	f.send(t, ".")
	f.expect(t, "250 OK")
}

func TestSessionFanOutAllFailuresReport554(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	table := webhook.NewTable(map[string]webhook.Entry{"bad@served.tld": {URL: bad.URL, APIKey: "k"}})
	f := newSessionFixture(t, basicConfig(table))

	f.expect(t, "220 mail.example Mail Forge SMTP Server Ready")
	f.send(t, "MAIL FROM:<a@x>")
	f.expect(t, "250 2.1.0 OK")
	f.send(t, "RCPT TO:<bad@served.tld>")
	f.expect(t, "250 2.1.5 Recipient OK")
	f.send(t, "DATA")
	f.expect(t, "354 End data with <CR><LF>.<CR><LF>")
	f.send(t, "Subject: hi")
	f.send(t, "")
	f.send(t, "body")
	f.send(t, ".")
	f.expect(t, "554 Failed to process email for all recipients.")
}
