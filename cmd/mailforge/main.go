/*
Command mailforge is the thin bootstrap layer around the inbound SMTP
gateway core: it reads a JSON configuration document, resolves any
indirect secrets and TLS material it references, then hands a fully
initialised daemon/smtpd.Daemon off to run. None of the decisions made
here - config file parsing, process signals, ACME certificate
provisioning - are part of the core; they are exactly the kind of thin
I/O wrapper the core is built to receive pre-initialised inputs from.
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mailforge/mailforge/daemon/smtpd"
	"github.com/mailforge/mailforge/lalog"
	"github.com/mailforge/mailforge/misc"
	"github.com/mailforge/mailforge/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/acme/autocert"
)

var logger = lalog.Logger{ComponentName: "mailforge", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}

// webhookFileConfig is one entry of the "webhooks" object in the
// configuration document: a recipient pattern mapped to either a literal
// API key or a reference to one held in AWS Secrets Manager.
type webhookFileConfig struct {
	URL             string `json:"url"`
	APIKey          string `json:"api_key"`
	APIKeySecretARN string `json:"api_key_secret_arn"`
}

// fileConfig is the on-disk shape of the configuration document, matching
// the option table of spec.md section 6 plus the secrets-manager and
// autocert extensions named in SPEC_FULL.md.
type fileConfig struct {
	SMTPBindAddress  string                       `json:"smtp_bind_address"`
	Hostname         string                       `json:"hostname"`
	MaxSize          int64                        `json:"max_size"`
	PerIPLimit       int                          `json:"per_ip_limit"`
	CertPath         string                       `json:"cert_path"`
	KeyPath          string                       `json:"key_path"`
	AutocertHostname string                       `json:"autocert_hostname"`
	AutocertCacheDir string                       `json:"autocert_cache_dir"`
	SecretsRegion    string                       `json:"aws_secrets_region"`
	Webhooks         map[string]webhookFileConfig `json:"webhooks"`
}

// overrideFromEnvironment applies the prototype's quick-start environment
// variable overrides (SMTP_BIND_ADDRESS, WEBHOOK_URL) on top of whatever
// the configuration document supplied, for local runs without a config
// file on hand. It never touches the core - only this bootstrap layer
// reads these variables.
func (c *fileConfig) overrideFromEnvironment() {
	if addr := os.Getenv("SMTP_BIND_ADDRESS"); addr != "" {
		c.SMTPBindAddress = addr
	}
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		if c.Webhooks == nil {
			c.Webhooks = map[string]webhookFileConfig{}
		}
		c.Webhooks["*@"+c.Hostname] = webhookFileConfig{URL: url, APIKey: os.Getenv("WEBHOOK_API_KEY")}
	}
}

// resolveWebhooks turns the file-shaped webhook entries into the routing
// table the core expects, resolving any api_key_secret_arn reference via
// AWS Secrets Manager along the way.
func resolveWebhooks(entries map[string]webhookFileConfig, region string) (map[string]webhook.Entry, error) {
	var resolver *webhook.SecretResolver
	resolved := make(map[string]webhook.Entry, len(entries))
	for pattern, entry := range entries {
		apiKey := entry.APIKey
		if entry.APIKeySecretARN != "" {
			if resolver == nil {
				var err error
				resolver, err = webhook.NewSecretResolver(region)
				if err != nil {
					return nil, fmt.Errorf("mailforge: failed to set up secrets manager client - %v", err)
				}
			}
			key, err := resolver.Resolve(entry.APIKeySecretARN)
			if err != nil {
				return nil, err
			}
			apiKey = key
		}
		resolved[pattern] = webhook.Entry{URL: entry.URL, APIKey: apiKey}
	}
	return resolved, nil
}

func main() {
	var configPath string
	var metricsAddr string
	flag.StringVar(&configPath, "config", "", "(Mandatory) path to configuration file in JSON syntax")
	flag.StringVar(&metricsAddr, "metricsaddr", "", "(Optional) address to serve Prometheus metrics on, e.g. 127.0.0.1:9090")
	flag.BoolVar(&misc.EnableAWSIntegration, "awsinteg", false, "(Optional) activate AWS X-Ray tracing and Secrets Manager integration")
	flag.BoolVar(&misc.EnablePrometheusIntegration, "prominteg", false, "(Optional) activate Prometheus metrics collection and HTTP endpoint")
	flag.Parse()

	if configPath == "" {
		logger.Abort("main", nil, "-config is mandatory")
		return
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		logger.Abort("main", err, "failed to read configuration file %q", configPath)
		return
	}
	var conf fileConfig
	if err := json.Unmarshal(raw, &conf); err != nil {
		logger.Abort("main", err, "failed to parse configuration file %q", configPath)
		return
	}
	conf.overrideFromEnvironment()

	webhooks, err := resolveWebhooks(conf.Webhooks, conf.SecretsRegion)
	if err != nil {
		logger.Abort("main", err, "failed to resolve webhook routing table")
		return
	}

	host, port, err := splitHostPort(conf.SMTPBindAddress)
	if err != nil {
		logger.Abort("main", err, "invalid smtp_bind_address %q", conf.SMTPBindAddress)
		return
	}

	daemon := &smtpd.Daemon{
		Address:        host,
		Port:           port,
		Hostname:       conf.Hostname,
		MaxMessageSize: conf.MaxSize,
		TLSCertPath:    conf.CertPath,
		TLSKeyPath:     conf.KeyPath,
		PerIPLimit:     conf.PerIPLimit,
		Webhooks:       webhooks,
	}
	if conf.AutocertHostname != "" {
		cacheDir := conf.AutocertCacheDir
		if cacheDir == "" {
			cacheDir = "mailforge-autocert-cache"
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cacheDir),
			HostPolicy: autocert.HostWhitelist(conf.AutocertHostname),
		}
		daemon.PresetTLSConfig = manager.TLSConfig()
	}
	if misc.EnablePrometheusIntegration {
		daemon.Metrics = webhook.NewMetrics(prometheus.DefaultRegisterer)
	}

	if err := daemon.Initialise(); err != nil {
		logger.Abort("main", err, "failed to initialise daemon")
		return
	}

	if metricsAddr != "" && misc.EnablePrometheusIntegration {
		go serveMetrics(metricsAddr)
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		logger.Info("main", nil, "received shutdown signal, stopping")
		daemon.Stop()
	}()

	lockDownSignal := make(chan os.Signal, 1)
	signal.Notify(lockDownSignal, syscall.SIGUSR1)
	go func() {
		for range lockDownSignal {
			misc.TriggerEmergencyLockDown()
		}
	}()

	if err := daemon.StartAndBlock(); err != nil {
		logger.Abort("main", err, "daemon exited with an error")
	}
}

// splitHostPort breaks a "host:port" bind address into its components,
// defaulting host to all interfaces when it is left blank (":25").
func splitHostPort(bindAddress string) (host string, port int, err error) {
	h, portStr, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not a number", portStr)
	}
	if h == "" {
		h = "0.0.0.0"
	}
	return h, portNum, nil
}

// serveMetrics blocks forever serving the Prometheus exposition endpoint,
// matching the opt-in gating daemon/httpd/handler/prometheus.go applies in
// the teacher's own metrics wiring.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", webhook.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warning("serveMetrics", err, "metrics HTTP server exited")
	}
}
