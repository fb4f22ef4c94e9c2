package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds user-supplied flag values prior to translation into
// coreconfig.Config and the component constructors.
type cliConfig struct {
	peerID          string
	logLevel        string
	registryPath    string
	webhookURL      string
	webhookHeaders  []string // key=value pairs
	jwtSecret       string
	jwtIssuer       string
	jwtSubject      string
	staticToken     string
	azureAccountURL string
	azureContainer  string
	debugEvents     bool
	showVersion     bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("sglc-bridged", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var headers stringSliceFlag

	fs.StringVar(&cfg.peerID, "peer", "", "Bonded peer id to connect to at startup (empty = wait for pairing)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.registryPath, "registry", "sglc-registry.json", "Path to the persisted peer registry file")
	fs.StringVar(&cfg.webhookURL, "webhook-url", "", "Upload relay webhook endpoint (empty disables uploads)")
	fs.Var(&headers, "webhook-header", "Webhook header in format key=value (can be specified multiple times)")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HS256 secret for minting webhook bearer tokens (empty uses -static-token)")
	fs.StringVar(&cfg.jwtIssuer, "jwt-issuer", "sglc-bridged", "JWT issuer claim")
	fs.StringVar(&cfg.jwtSubject, "jwt-subject", "upload-relay", "JWT subject claim")
	fs.StringVar(&cfg.staticToken, "static-token", "", "Static bearer token for webhook auth when -jwt-secret is unset")
	fs.StringVar(&cfg.azureAccountURL, "azure-account-url", "", "Azure Storage account URL for optional blob archival")
	fs.StringVar(&cfg.azureContainer, "azure-container", "sglc-uploads", "Azure Storage container for optional blob archival")
	fs.BoolVar(&cfg.debugEvents, "debug-events", false, "Print every internal event bus occurrence to stderr as a JSON line")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.webhookHeaders = headers

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	for _, h := range cfg.webhookHeaders {
		if err := validateHeaderAssignment(h); err != nil {
			return nil, err
		}
	}

	if cfg.azureAccountURL != "" && cfg.azureContainer == "" {
		return nil, errors.New("azure-container must be set when azure-account-url is provided")
	}

	return cfg, nil
}

// stringSliceFlag implements flag.Value for repeatable string flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func validateHeaderAssignment(assignment string) error {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid webhook-header format %q, expected key=value", assignment)
	}
	return nil
}

func parseHeaders(assignments []string) map[string]string {
	out := make(map[string]string, len(assignments))
	for _, a := range assignments {
		parts := strings.SplitN(a, "=", 2)
		out[parts[0]] = parts[1]
	}
	return out
}
