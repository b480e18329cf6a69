package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/flagx"
	"github.com/dmitrijs2005/gophbot/internal/timex"
)

// ConfigEnvVar names the JSON config file when no -c/-config flag is given.
const ConfigEnvVar = "GOPHBOT_CONFIG"

// JsonConfig is the on-disk shape of the configuration. Durations accept
// strings such as "5s" or integer nanoseconds. Absent fields keep the value
// they had before the overlay.
type JsonConfig struct {
	HTTPAddr               string         `json:"http_addr"`
	GRPCAddr               string         `json:"grpc_addr"`
	DatabaseDSN            string         `json:"database_dsn"`
	DatabaseConnectTimeout timex.Duration `json:"database_connect_timeout"`
	SessionDir             string         `json:"session_dir"`
	SecretKey              string         `json:"secret_key"`
	AdminTokenValidity     timex.Duration `json:"admin_token_validity"`
	LogLevel               string         `json:"log_level"`
	LogFormat              string         `json:"log_format"`

	BridgeURL   string `json:"bridge_url"`
	BridgeToken string `json:"bridge_token"`

	BotName     string `json:"bot_name"`
	Prefix      string `json:"prefix"`
	OwnerNumber string `json:"owner_number"`
	Mode        string `json:"mode"`
	AntiDelete  *bool  `json:"anti_delete"`
	AutoRead    *bool  `json:"auto_read"`
	AntiCall    *bool  `json:"anti_call"`
	Announce    *bool  `json:"announce"`

	ReconnectBaseDelay    timex.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay     timex.Duration `json:"reconnect_max_delay"`
	ReconnectGrowthFactor float64        `json:"reconnect_growth_factor"`
	ReconnectMaxAttempts  int            `json:"reconnect_max_attempts"`
	ConnectTimeout        timex.Duration `json:"connect_timeout"`
	KeepAliveInterval     timex.Duration `json:"keep_alive_interval"`
	RestoreDelay          timex.Duration `json:"restore_delay"`
	RestoreStartDelay     timex.Duration `json:"restore_start_delay"`
	PairingDelay          timex.Duration `json:"pairing_delay"`
	QRTimeout             timex.Duration `json:"qr_timeout"`
	RetentionCapacity     int            `json:"retention_capacity"`
	RetentionChats        int            `json:"retention_chats"`
	SweepInterval         timex.Duration `json:"sweep_interval"`
	InactiveRetention     timex.Duration `json:"inactive_retention"`

	S3RootUser        string `json:"s3_root_user"`
	S3RootPassword    string `json:"s3_root_password"`
	S3Bucket          string `json:"s3_bucket"`
	S3Region          string `json:"s3_region"`
	S3BaseEndpoint    string `json:"s3_base_endpoint"`
	HandoffPassphrase string `json:"handoff_passphrase"`
}

// parseJson overlays the JSON file named by -c/-config or GOPHBOT_CONFIG.
// It panics when the file cannot be read or parsed.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath(ConfigEnvVar)

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c, err := readJsonConfig(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c.apply(config)
}

func readJsonConfig(path string) (*JsonConfig, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.GRPCAddr, c.GRPCAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setDuration(&config.DatabaseConnectTimeout, c.DatabaseConnectTimeout)
	setString(&config.SessionDir, c.SessionDir)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.AdminTokenValidity, c.AdminTokenValidity)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	setString(&config.BridgeURL, c.BridgeURL)
	setString(&config.BridgeToken, c.BridgeToken)

	setString(&config.BotName, c.BotName)
	setString(&config.Prefix, c.Prefix)
	setString(&config.OwnerNumber, c.OwnerNumber)
	setString(&config.Mode, c.Mode)
	setBool(&config.AntiDelete, c.AntiDelete)
	setBool(&config.AutoRead, c.AutoRead)
	setBool(&config.AntiCall, c.AntiCall)
	setBool(&config.Announce, c.Announce)

	setDuration(&config.ReconnectBaseDelay, c.ReconnectBaseDelay)
	setDuration(&config.ReconnectMaxDelay, c.ReconnectMaxDelay)
	if c.ReconnectGrowthFactor != 0 {
		config.ReconnectGrowthFactor = c.ReconnectGrowthFactor
	}
	if c.ReconnectMaxAttempts != 0 {
		config.ReconnectMaxAttempts = c.ReconnectMaxAttempts
	}
	setDuration(&config.ConnectTimeout, c.ConnectTimeout)
	setDuration(&config.KeepAliveInterval, c.KeepAliveInterval)
	setDuration(&config.RestoreDelay, c.RestoreDelay)
	setDuration(&config.RestoreStartDelay, c.RestoreStartDelay)
	setDuration(&config.PairingDelay, c.PairingDelay)
	setDuration(&config.QRTimeout, c.QRTimeout)
	if c.RetentionCapacity != 0 {
		config.RetentionCapacity = c.RetentionCapacity
	}
	if c.RetentionChats != 0 {
		config.RetentionChats = c.RetentionChats
	}
	setDuration(&config.SweepInterval, c.SweepInterval)
	setDuration(&config.InactiveRetention, c.InactiveRetention)

	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.HandoffPassphrase, c.HandoffPassphrase)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// ConfigPathFromEnv returns the JSON config path named by GOPHBOT_CONFIG.
func ConfigPathFromEnv() string {
	return os.Getenv(ConfigEnvVar)
}
