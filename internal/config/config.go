// Package config merges flag and environment-variable defaults for tapoctl,
// generalizing the flag/env overlay the original single-file CLI did inline
// for just username/password across every connection and query setting.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// OutputMode selects how query results are rendered.
type OutputMode int

const (
	OutputSummary OutputMode = iota
	OutputRaw
	OutputJSON
)

// Config holds every flag/env-derived setting tapoctl needs to connect to a
// device, authenticate, and render or persist its responses.
type Config struct {
	// Connection
	Host            string
	Port            int
	Transport       string // "klap" or "aes"
	Timeout         time.Duration
	Username        string
	Password        string
	CredentialsHash string

	// Query mode
	Output OutputMode

	// Control
	TurnOn  bool
	TurnOff bool

	// Display
	Rate     float64
	Currency string

	// Daemon mode
	Daemon   bool
	Interval time.Duration
	DBPath   string

	// History viewing
	History bool
	Days    int
}

// envOr returns flagVal when it is non-empty, otherwise the environment
// variable named by key.
func envOr(key, flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(key)
}

// Load parses args against fs and overlays the TAPO_HOST, TAPO_USERNAME,
// TAPO_PASSWORD and TAPO_CREDENTIALS_HASH environment variables onto the
// matching flags when those are left empty: flag wins, then env, then
// built-in default. The other flags have no environment overlay.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	host := fs.String("host", "", "device IP address or hostname")
	port := fs.Int("port", 0, "device port (default 80, or 443/4433 for HTTPS)")
	transport := fs.String("transport", "klap", "session transport: klap or aes")
	timeout := fs.Duration("timeout", 5*time.Second, "per-request timeout")
	username := fs.String("username", "", "Tapo account username (email)")
	password := fs.String("password", "", "Tapo account password")
	credentialsHash := fs.String("credentials-hash", "", "pre-derived base64 credentials hash, in place of username/password")

	jsonOutput := fs.Bool("json", false, "output in JSON format")
	raw := fs.Bool("raw", false, "output raw data (verbose)")

	turnOn := fs.Bool("on", false, "turn device on")
	turnOff := fs.Bool("off", false, "turn device off")

	rate := fs.Float64("rate", 0, "electricity rate per kWh for cost calculation")
	currency := fs.String("currency", "$", "currency symbol for cost display")

	daemon := fs.Bool("daemon", false, "run in daemon mode, periodically collecting data")
	interval := fs.Duration("interval", 5*time.Minute, "polling interval for daemon mode")
	dbPath := fs.String("db", "tapoctl.db", "SQLite database path for daemon/history mode")

	history := fs.Bool("history", false, "view historical data from the database")
	days := fs.Int("days", 7, "number of days of history to show")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	cfg := &Config{
		Host:            envOr("TAPO_HOST", *host),
		Port:            *port,
		Transport:       *transport,
		Timeout:         *timeout,
		Username:        envOr("TAPO_USERNAME", *username),
		Password:        envOr("TAPO_PASSWORD", *password),
		CredentialsHash: envOr("TAPO_CREDENTIALS_HASH", *credentialsHash),
		TurnOn:          *turnOn,
		TurnOff:         *turnOff,
		Rate:            *rate,
		Currency:        *currency,
		Daemon:          *daemon,
		Interval:        *interval,
		DBPath:          *dbPath,
		History:         *history,
		Days:            *days,
	}

	switch {
	case *jsonOutput:
		cfg.Output = OutputJSON
	case *raw:
		cfg.Output = OutputRaw
	default:
		cfg.Output = OutputSummary
	}

	if cfg.TurnOn && cfg.TurnOff {
		return nil, fmt.Errorf("cannot specify both -on and -off")
	}

	return cfg, nil
}
