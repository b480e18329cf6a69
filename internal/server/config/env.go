package config

import (
	"os"
	"strconv"
	"strings"
)

// parseEnv overlays the deployment environment variables:
//
//	DATABASE_DSN        PostgreSQL DSN
//	PORT                admin API port, bound on all interfaces
//	SECRET_KEY          admin token secret
//	BRIDGE_URL          protocol bridge websocket URL
//	BRIDGE_TOKEN        bearer token presented to the bridge
//	SESSION_DIR         local credential directory
//	BOT_NAME, PREFIX, MODE, OWNER_NUMBER
//	ANTIDELETE, AUTO_READ, ANTICALL   booleans ("true", "1", ...)
//	HANDOFF_PASSPHRASE  session handoff sealing passphrase
func parseEnv(config *Config) {
	envString(&config.DatabaseDSN, "DATABASE_DSN")
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		config.HTTPAddr = ":" + strings.TrimPrefix(port, ":")
	}
	envString(&config.SecretKey, "SECRET_KEY")
	envString(&config.BridgeURL, "BRIDGE_URL")
	envString(&config.BridgeToken, "BRIDGE_TOKEN")
	envString(&config.SessionDir, "SESSION_DIR")
	envString(&config.BotName, "BOT_NAME")
	envString(&config.Prefix, "PREFIX")
	envString(&config.Mode, "MODE")
	envString(&config.OwnerNumber, "OWNER_NUMBER")
	envBool(&config.AntiDelete, "ANTIDELETE")
	envBool(&config.AutoRead, "AUTO_READ")
	envBool(&config.AntiCall, "ANTICALL")
	envString(&config.HandoffPassphrase, "HANDOFF_PASSPHRASE")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// envBool ignores values strconv.ParseBool does not understand.
func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}
