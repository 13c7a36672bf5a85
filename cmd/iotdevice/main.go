// Command iotdevice connects a device to an iotvault server and runs an
// interactive command shell.
//
// Usage:
//
//	iotdevice [flags]
//
// Flags:
//
//	-server string      Server address, or "auto" to discover it over mDNS (default "localhost:12345")
//	-user string        User id (required)
//	-device uint        Device id (required)
//	-home string        Directory holding the identity, trust store and domain parameters (default "iotvault-<user>")
//	-ca string          PEM file with the server CA (default: system roots)
//	-server-name string Expected name in the server certificate
//	-insecure           Skip server certificate verification
//	-artifact string    Binary hashed for remote attestation (default: this executable)
//	-out string         Directory for files written by RT and RI (default ".")
//	-log-level string   debug, info, warn, error (default "warn")
//
// The home directory is laid out as:
//
//	<user>.crt, <user>.key   identity, generated on first use
//	trust/                   other users' certificates (<user>.pem)
//	params/                  per-domain key derivation parameters
//
// Examples:
//
//	# Connect to a local server signed by a private CA
//	iotdevice -user alice -device 1 -ca server.crt
//
//	# Find the server on the local network
//	iotdevice -user alice -device 2 -server auto -ca server.crt
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/iotvault/iotvault-go/cmd/iotdevice/interactive"
	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/client"
	"github.com/iotvault/iotvault-go/pkg/discovery"
	"github.com/iotvault/iotvault-go/pkg/domainkey"
	"github.com/iotvault/iotvault-go/pkg/transport"
)

// serverAuto selects mDNS discovery.
const serverAuto = "auto"

// Config holds the command line configuration.
type Config struct {
	Server     string
	UserID     string
	DeviceID   uint
	Home       string
	CAFile     string
	ServerName string
	Insecure   bool
	Artifact   string
	OutputDir  string
	LogLevel   string
}

func (c *Config) identityPaths() (certPath, keyPath string) {
	return filepath.Join(c.Home, c.UserID+".crt"), filepath.Join(c.Home, c.UserID+".key")
}

func (c *Config) trustDir() string  { return filepath.Join(c.Home, "trust") }
func (c *Config) paramsDir() string { return filepath.Join(c.Home, "params") }

func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("iotdevice", flag.ContinueOnError)
	fs.StringVar(&cfg.Server, "server", fmt.Sprintf("localhost:%d", transport.DefaultPort), `Server address, or "auto" for mDNS discovery`)
	fs.StringVar(&cfg.UserID, "user", "", "User id")
	fs.UintVar(&cfg.DeviceID, "device", 0, "Device id")
	fs.StringVar(&cfg.Home, "home", "", "Directory holding identity, trust store and domain parameters")
	fs.StringVar(&cfg.CAFile, "ca", "", "PEM file with the server CA")
	fs.StringVar(&cfg.ServerName, "server-name", "", "Expected name in the server certificate")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "Skip server certificate verification")
	fs.StringVar(&cfg.Artifact, "artifact", "", "Binary hashed for remote attestation")
	fs.StringVar(&cfg.OutputDir, "out", ".", "Directory for files written by RT and RI")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var errs []error
	if cfg.UserID == "" {
		errs = append(errs, errors.New("-user is required"))
	} else if strings.ContainsAny(cfg.UserID, `/\:`) {
		errs = append(errs, fmt.Errorf("invalid user id %q", cfg.UserID))
	}
	if cfg.DeviceID == 0 || uint64(cfg.DeviceID) > 1<<32-1 {
		errs = append(errs, errors.New("-device must be between 1 and 4294967295"))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Home == "" {
		cfg.Home = "iotvault-" + cfg.UserID
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "iotdevice: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "iotdevice: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	id, err := loadOrCreateIdentity(cfg, logger)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.trustDir(), cfg.paramsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	artifact := cfg.Artifact
	if artifact == "" {
		if artifact, err = os.Executable(); err != nil {
			return fmt.Errorf("locating attestation artifact: %w", err)
		}
	}

	tlsCfg := &transport.TLSConfig{ServerName: cfg.ServerName, InsecureSkipVerify: cfg.Insecure}
	if cfg.CAFile != "" {
		if tlsCfg.RootCAs, err = transport.LoadRootCAs(cfg.CAFile); err != nil {
			return err
		}
	}
	tc, err := transport.NewClient(transport.ClientConfig{TLSConfig: tlsCfg})
	if err != nil {
		return err
	}

	addr := cfg.Server
	if addr == serverAuto {
		fmt.Println("Looking for a server on the local network...")
		if addr, err = discovery.NewBrowser(discovery.BrowserConfig{}).FindServer(ctx); err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		fmt.Printf("Found server at %s\n", addr)
	}

	driver, err := client.Dial(ctx, tc, addr, client.Config{
		Identity:     id,
		Trust:        cert.NewFileStore(cfg.trustDir()),
		Params:       domainkey.NewParamsStore(cfg.paramsDir()),
		ArtifactPath: artifact,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer driver.Close()

	shell, err := interactive.New(driver, interactive.Config{OutputDir: cfg.OutputDir})
	if err != nil {
		return err
	}

	fmt.Fprintf(shell.Stdout(), "Connected to %s as %s, device %d.\n", addr, cfg.UserID, cfg.DeviceID)
	fmt.Fprintln(shell.Stdout(), "A one-time code has been sent to you.")
	if err := driver.Authenticate(ctx, uint32(cfg.DeviceID), shell.PromptCode); err != nil {
		return authError(err)
	}
	fmt.Fprintln(shell.Stdout(), "Authenticated.")

	shell.Run(ctx)
	return nil
}

// authError rewords handshake failures the user can act on.
func authError(err error) error {
	switch {
	case errors.Is(err, client.ErrDeviceActive):
		return errors.New("authentication failed: this device is already connected")
	case errors.Is(err, client.ErrAttestationFailed):
		return errors.New("authentication failed: the client binary was rejected by remote attestation")
	case errors.Is(err, client.ErrRejected):
		return fmt.Errorf("authentication failed: %w", err)
	case errors.Is(err, interactive.ErrInterrupted):
		return errors.New("authentication cancelled")
	}
	return err
}

func loadOrCreateIdentity(cfg *Config, logger *slog.Logger) (*cert.Identity, error) {
	certPath, keyPath := cfg.identityPaths()
	_, err := os.Stat(certPath)
	if err == nil {
		id, err := cert.LoadIdentity(cfg.UserID, certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading identity: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	id, err := cert.GenerateIdentity(cfg.UserID)
	if err != nil {
		return nil, err
	}
	if err := id.Save(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("saving identity: %w", err)
	}
	logger.Info("generated identity", "user", cfg.UserID, "cert", certPath)
	return id, nil
}
