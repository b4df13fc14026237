/*
Package smtpd is the inbound SMTP gateway's listener: it binds the
configured address, accepts connections in an unbounded loop, and spawns one
independent smtp.Session per connection, sharing the routing table and TLS
context by reference with every session it spawns.
*/
package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mailforge/mailforge/daemon/common"
	"github.com/mailforge/mailforge/daemon/smtpd/smtp"
	"github.com/mailforge/mailforge/inet"
	"github.com/mailforge/mailforge/lalog"
	"github.com/mailforge/mailforge/webhook"
)

const (
	// RateLimitIntervalSec is the interval, in seconds, at which the
	// per-IP connection rate limit is calculated.
	RateLimitIntervalSec = 10
	// DefaultIOTimeout is applied to every socket operation of a session
	// unless the daemon is configured with an explicit override.
	DefaultIOTimeout = 2 * time.Minute
	// DefaultMaxMessageSize is used when the daemon is not configured
	// with an explicit DATA size ceiling.
	DefaultMaxMessageSize = 35 * 1024 * 1024
)

// Daemon is the inbound SMTP gateway. It owns no mutable state beyond what
// Initialise populates; once StartAndBlock begins accepting connections,
// every field it reads is shared read-only across all spawned sessions.
type Daemon struct {
	// Address is the network address to listen on, e.g. "0.0.0.0" for all interfaces.
	Address string
	// Port is the TCP port to listen on.
	Port int
	// Hostname is advertised in the greeting and EHLO/HELO replies.
	Hostname string
	// MaxMessageSize is the maximum number of bytes, including line
	// terminators, accepted during a DATA transaction.
	MaxMessageSize int64
	// TLSCertPath and TLSKeyPath, if both set, enable STARTTLS by loading
	// a certificate/key pair from disk. Ignored when PresetTLSConfig is set.
	TLSCertPath string
	TLSKeyPath  string
	// PresetTLSConfig, when non-nil, is used for STARTTLS as-is instead of
	// loading TLSCertPath/TLSKeyPath - the bootstrap layer uses this to
	// hand over a TLS context built by an ACME client instead of a
	// certificate read from disk, while the core still only ever sees an
	// already-initialised TLS server context per the purpose-and-scope
	// split between bootstrap and core.
	PresetTLSConfig *tls.Config
	// PerIPLimit is how many connections in RateLimitIntervalSec seconds
	// a single client IP may open.
	PerIPLimit int
	// Webhooks maps recipient patterns ("user@domain" or "*@domain") to
	// the webhook entry that should receive mail for matching addresses.
	Webhooks map[string]webhook.Entry
	// Metrics, if non-nil, records session and dispatch counters.
	Metrics *webhook.Metrics

	webhookTable webhook.Table
	tlsConfig    *tls.Config
	smtpConfig   *smtp.Config
	tcpServer    *common.TCPServer
	logger       lalog.Logger
}

// Initialise validates configuration, loads TLS material if configured, and
// prepares the internal routing table and per-connection config shared by
// every spawned session.
func (daemon *Daemon) Initialise() error {
	daemon.logger = lalog.Logger{ComponentName: "smtpd", ComponentID: []lalog.LoggerIDField{{Key: "Addr", Value: daemon.Address}, {Key: "Port", Value: daemon.Port}}}
	if daemon.Address == "" {
		return errors.New("smtpd.Initialise: listen address must not be empty")
	}
	if daemon.Port < 1 {
		return errors.New("smtpd.Initialise: listen port must be greater than 0")
	}
	if daemon.Hostname == "" {
		return errors.New("smtpd.Initialise: hostname must not be empty")
	}
	if daemon.PerIPLimit < 1 {
		return errors.New("smtpd.Initialise: PerIPLimit must be greater than 0")
	}
	if daemon.MaxMessageSize <= 0 {
		daemon.MaxMessageSize = DefaultMaxMessageSize
	}
	if daemon.PresetTLSConfig != nil {
		daemon.tlsConfig = daemon.PresetTLSConfig
	} else {
		if (daemon.TLSCertPath == "") != (daemon.TLSKeyPath == "") {
			return errors.New("smtpd.Initialise: TLS certificate and key paths must both be set or both be empty")
		}
		if daemon.TLSCertPath != "" {
			cert, err := tls.LoadX509KeyPair(daemon.TLSCertPath, daemon.TLSKeyPath)
			if err != nil {
				return fmt.Errorf("smtpd.Initialise: failed to read TLS certificate - %v", err)
			}
			daemon.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}

	daemon.webhookTable = webhook.NewTable(daemon.Webhooks)
	daemon.smtpConfig = &smtp.Config{
		Hostname:       daemon.Hostname,
		MaxMessageSize: daemon.MaxMessageSize,
		TLSConfig:      daemon.tlsConfig,
		Webhooks:       daemon.webhookTable,
		IOTimeout:      DefaultIOTimeout,
		Metrics:        daemon.Metrics,
	}
	daemon.tcpServer = common.NewTCPServer(daemon.Address, daemon.Port, "smtpd", daemon, daemon.PerIPLimit)
	return nil
}

// HandleTCPConnection satisfies common.TCPApp. It drives exactly one
// smtp.Session to completion atop the accepted connection; the connection
// itself is closed by the caller (common.TCPServer.handleConnection) once
// this method returns, and again defensively by Session.Serve.
func (daemon *Daemon) HandleTCPConnection(logger lalog.Logger, clientIP string, conn *net.TCPConn) {
	if daemon.Metrics != nil {
		daemon.Metrics.Sessions.Inc()
	}
	stream := smtp.NewStream(conn, daemon.smtpConfig.IOTimeout)
	session := smtp.NewSession(stream, daemon.smtpConfig, logger)
	session.Serve(context.Background())
}

// StartAndBlock starts the listener and blocks until it is told to stop.
// Call this only after Initialise has returned successfully.
func (daemon *Daemon) StartAndBlock() error {
	daemon.logger.Info("", nil, "going to listen for connections on %s:%d", daemon.Address, daemon.Port)
	// Public IP discovery reaches out over the network and may take a few
	// seconds; do it off to the side so it never delays accepting
	// connections. Unlike the teacher daemon, this gateway never checks the
	// result against a forward target - fan-out always goes to configured
	// webhook URLs, never to another mail server it could loop back to.
	go func() {
		daemon.logger.Info("", nil, "public IP address is %s", inet.GetPublicIP())
	}()
	return daemon.tcpServer.StartAndBlock()
}

// Stop closes the listener so that StartAndBlock's accept loop returns.
// Connections already in flight are left to finish on their own.
func (daemon *Daemon) Stop() {
	if daemon.tcpServer != nil {
		daemon.tcpServer.Stop()
	}
}
