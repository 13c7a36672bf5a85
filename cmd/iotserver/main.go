// Command iotserver runs the iotvault server.
//
// Usage:
//
//	iotserver [flags]
//
// Flags:
//
//	-config string      YAML configuration file
//	-listen string      Listen address (default ":12345")
//	-data string        Data directory (default "data")
//	-cert string        TLS certificate file
//	-key string         TLS private key file
//	-gen-cert           Generate a self-signed certificate if missing
//	-otp-url string     One-time code delivery endpoint
//	-metrics string     Address for the /metrics endpoint (disabled if empty)
//	-advertise          Advertise the server over mDNS
//	-log-level string   debug, info, warn, error
//	-log-format string  text or json
//	-audit string       Append the audit log to this file
//	-frame-log string   Append raw frames to this file (debugging only)
//
// The passphrase protecting the installation key is read from
// IOTVAULT_PASSPHRASE, the OTP API key from IOTVAULT_OTP_API_KEY.
//
// Examples:
//
//	# First start with a self-signed certificate
//	IOTVAULT_PASSPHRASE=... iotserver -gen-cert -data /var/lib/iotvault
//
//	# Production with a config file
//	iotserver -config /etc/iotvault/server.yaml
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iotvault/iotvault-go/pkg/attestation"
	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/log"
	"github.com/iotvault/iotvault-go/pkg/metrics"
	"github.com/iotvault/iotvault-go/pkg/otp"
	"github.com/iotvault/iotvault-go/pkg/persistence"
	"github.com/iotvault/iotvault-go/pkg/service"
	"github.com/iotvault/iotvault-go/pkg/session"
	"github.com/iotvault/iotvault-go/pkg/transport"
)

const certsDir = "certs"

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "iotserver: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

// parseConfig builds the configuration from defaults, the optional config
// file, explicitly set flags and the environment, in that order.
func parseConfig(args []string, getenv func(string) string) (Config, error) {
	fs := flag.NewFlagSet("iotserver", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	listen := fs.String("listen", "", "Listen address")
	dataDir := fs.String("data", "", "Data directory")
	certFile := fs.String("cert", "", "TLS certificate file")
	keyFile := fs.String("key", "", "TLS private key file")
	genCert := fs.Bool("gen-cert", false, "Generate a self-signed certificate if missing")
	otpURL := fs.String("otp-url", "", "One-time code delivery endpoint")
	metricsAddr := fs.String("metrics", "", "Address for the /metrics endpoint")
	advertise := fs.Bool("advertise", false, "Advertise the server over mDNS")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text or json")
	auditPath := fs.String("audit", "", "Append the audit log to this file")
	framePath := fs.String("frame-log", "", "Append raw frames to this file (debugging only)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		if err := LoadConfigFile(*configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "data":
			cfg.DataDir = *dataDir
		case "cert":
			cfg.TLS.Cert = *certFile
		case "key":
			cfg.TLS.Key = *keyFile
		case "gen-cert":
			cfg.TLS.Generate = *genCert
		case "otp-url":
			cfg.OTP.URL = *otpURL
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "advertise":
			cfg.Advertise.Enabled = *advertise
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "audit":
			cfg.Log.Audit = *auditPath
		case "frame-log":
			cfg.Log.Frames = *framePath
		}
	})
	cfg.ApplyEnv(getenv)

	return cfg, cfg.Validate()
}

func newLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, certsDir), 0o700); err != nil {
		return err
	}

	key, err := persistence.OpenInstallationKey(cfg.DataDir, cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("installation key: %w", err)
	}
	engine := persistence.NewEngine(cfg.DataDir, key, logger)

	dir := directory.New()
	if err := engine.Load(dir); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	reference := func() (string, error) { return persistence.LoadReference(cfg.DataDir, key) }
	refPath, err := reference()
	if err != nil {
		return fmt.Errorf("attestation reference (run iotvault-admin refgen): %w", err)
	}
	logger.Info("attestation reference", "path", refPath)

	sender, err := newSender(cfg.OTP, logger)
	if err != nil {
		return err
	}

	audit, closeAudit, err := newAuditLogger(cfg.Log.Audit, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	handler, err := session.NewHandler(session.Config{
		Directory:   dir,
		Credentials: cert.NewFileStore(filepath.Join(cfg.DataDir, certsDir)),
		OTP:         sender,
		Attestation: attestation.NewFileVerifier(reference),
		MaxAttempts: cfg.Session.MaxAttempts,
		Logger:      logger,
		Audit:       audit,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	tlsCert, err := loadOrGenerateCert(cfg.TLS, logger)
	if err != nil {
		return err
	}

	svcCfg := service.Config{
		ListenAddress:  cfg.Listen,
		TLSConfig:      &transport.TLSConfig{Certificate: tlsCert},
		StepTimeout:    cfg.Session.StepTimeout,
		IdleTimeout:    cfg.Session.IdleTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		Engine:         engine,
		Metrics:        m,
		Logger:         logger,
	}
	if cfg.Log.Frames != "" {
		frames, err := log.NewFileLogger(cfg.Log.Frames)
		if err != nil {
			return fmt.Errorf("frame log: %w", err)
		}
		defer frames.Close()
		logger.Warn("frame logging enabled, the file contains secrets", "path", cfg.Log.Frames)
		svcCfg.ProtocolLogger = frames
	}
	if cfg.RateLimit.PerMinute > 0 {
		svcCfg.Limiter = transport.NewAcceptLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, 10*time.Minute)
	}
	if cfg.Advertise.Enabled {
		svcCfg.Advertise = &service.AdvertiseConfig{
			Instance:  cfg.Advertise.Instance,
			Name:      cfg.Advertise.Name,
			Interface: cfg.Advertise.Interface,
		}
	}

	svc, err := service.NewServer(dir, handler, svcCfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.NewServeMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return svc.Stop()
}

func newSender(cfg OTPConfig, logger *slog.Logger) (otp.Sender, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		logger.Warn("no OTP gateway configured, codes are written to the log")
		return otp.LogSender{Logger: logger}, nil
	}
	s, err := otp.NewHTTPSender(cfg.URL, cfg.APIKey, logger)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts > 0 {
		s.MaxAttempts = cfg.MaxAttempts
	}
	return s, nil
}

// newAuditLogger mirrors audit events to the operational log and, if path
// is set, appends them to a CBOR log file.
func newAuditLogger(path string, logger *slog.Logger) (log.Logger, func(), error) {
	mirror := log.NewSlogAdapter(logger)
	if path == "" {
		return mirror, func() {}, nil
	}
	fl, err := log.NewFileLogger(path)
	if err != nil {
		return nil, nil, fmt.Errorf("audit log: %w", err)
	}
	return log.NewMultiLogger(fl, mirror), func() { _ = fl.Close() }, nil
}

func loadOrGenerateCert(cfg TLSConfig, logger *slog.Logger) (tls.Certificate, error) {
	_, statErr := os.Stat(cfg.Cert)
	if errors.Is(statErr, os.ErrNotExist) && cfg.Generate {
		c, err := cert.GenerateServerCertificate(cfg.Hosts, 365*24*time.Hour)
		if err != nil {
			return tls.Certificate{}, err
		}
		if err := cert.WriteServerCertificate(c, cfg.Cert, cfg.Key); err != nil {
			return tls.Certificate{}, err
		}
		logger.Info("generated self-signed certificate", "cert", cfg.Cert, "hosts", cfg.Hosts)
		return c, nil
	}
	return transport.LoadServerCertificate(cfg.Cert, cfg.Key)
}
