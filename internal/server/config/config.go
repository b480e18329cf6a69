// Package config handles configuration for the bot daemon, including
// defaults, JSON overlay, environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/server/commands"
)

// Config holds runtime settings for the gophbot daemon.
//
// Fields:
//   - HTTPAddr / GRPCAddr: bind addresses of the admin API and health service.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Empty runs on local files only.
//   - SessionDir: root of the per-session credential directories.
//   - SecretKey: HMAC secret for admin bearer tokens (HS256).
//   - BridgeURL / BridgeToken: websocket endpoint of the protocol bridge.
//   - Reconnect*: backoff of the reconnection policy.
//   - S3*: object storage used for session handoff.
type Config struct {
	HTTPAddr               string
	GRPCAddr               string
	DatabaseDSN            string
	DatabaseConnectTimeout time.Duration
	SessionDir             string
	SecretKey              string
	AdminTokenValidity     time.Duration
	LogLevel               string
	LogFormat              string

	BridgeURL   string
	BridgeToken string

	BotName     string
	Prefix      string
	OwnerNumber string
	Mode        string
	AntiDelete  bool
	AutoRead    bool
	AntiCall    bool
	Announce    bool

	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectGrowthFactor float64
	ReconnectMaxAttempts  int
	ConnectTimeout        time.Duration
	KeepAliveInterval     time.Duration
	RestoreDelay          time.Duration
	RestoreStartDelay     time.Duration
	PairingDelay          time.Duration
	QRTimeout             time.Duration
	RetentionCapacity     int
	RetentionChats        int
	SweepInterval         time.Duration
	InactiveRetention     time.Duration

	S3RootUser        string
	S3RootPassword    string
	S3Bucket          string
	S3Region          string
	S3BaseEndpoint    string
	HandoffPassphrase string
}

// LoadDefaults populates Config with development defaults.
// NOTE: SecretKey must be overridden in production.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":5000"
	c.GRPCAddr = ":50051"
	c.DatabaseDSN = ""
	c.DatabaseConnectTimeout = 10 * time.Second
	c.SessionDir = "./sessions"
	c.SecretKey = "secretKey"
	c.AdminTokenValidity = 24 * time.Hour
	c.LogLevel = "info"
	c.LogFormat = "json"

	c.BridgeURL = "ws://127.0.0.1:8787/bridge"

	c.BotName = "Gophbot"
	c.Prefix = "."
	c.Mode = string(commands.ModePublic)
	c.AntiDelete = true
	c.AutoRead = false
	c.AntiCall = false
	c.Announce = true

	c.ReconnectBaseDelay = 5 * time.Second
	c.ReconnectMaxDelay = 5 * time.Minute
	c.ReconnectGrowthFactor = 2.0
	c.ReconnectMaxAttempts = 50
	c.ConnectTimeout = 60 * time.Second
	c.KeepAliveInterval = 30 * time.Second
	c.RestoreDelay = 2 * time.Second
	c.RestoreStartDelay = 5 * time.Second
	c.PairingDelay = 1500 * time.Millisecond
	c.QRTimeout = 60 * time.Second
	c.RetentionCapacity = 50
	c.RetentionChats = 1000
	c.SweepInterval = 24 * time.Hour
	c.InactiveRetention = 30 * 24 * time.Hour

	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Bucket = ""
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
}

// Validate reports settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix must not be empty"))
	}
	if _, err := commands.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.SecretKey == "" {
		errs = append(errs, errors.New("secret key must not be empty"))
	}
	if c.BridgeURL == "" {
		errs = append(errs, errors.New("bridge url must not be empty"))
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, fmt.Errorf("invalid reconnect delays %s..%s", c.ReconnectBaseDelay, c.ReconnectMaxDelay))
	}
	if c.ReconnectGrowthFactor < 1 {
		errs = append(errs, fmt.Errorf("reconnect growth factor %v is below 1", c.ReconnectGrowthFactor))
	}
	return errors.Join(errs...)
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}

// LoadFile builds a Config from defaults, the JSON file at path (skipped when
// path is empty) and the environment. Command-line flags are not consulted,
// so tools with their own flag parsing can share the daemon's settings.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path != "" {
		c, err := readJsonConfig(path)
		if err != nil {
			return nil, err
		}
		c.apply(cfg)
	}
	parseEnv(cfg)
	return cfg, nil
}
