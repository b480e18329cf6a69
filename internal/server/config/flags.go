package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gophbot/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   admin HTTP bind address (e.g. ":5000")
//	-r string   gRPC health bind address (e.g. ":50051")
//	-d string   PostgreSQL DSN
//	-s string   admin token secret key
//	-w string   protocol bridge websocket URL
//	-f string   session directory
//	-l string   log level (debug, info, warn, error)
//	-o string   owner phone number
//	-m string   command mode (public, private)
//	-x string   command prefix
//	-n string   bot name
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g. "http://127.0.0.1:9000/")
//
// os.Args is first filtered with flagx.FilterArgs so flags meant for other
// components (such as -c) do not cause parse errors.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-a", "-r", "-d", "-s", "-w", "-f", "-l", "-o", "-m", "-x", "-n",
		"-u", "-p", "-b", "-g", "-e",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port of the admin API")
	fs.StringVar(&config.GRPCAddr, "r", config.GRPCAddr, "address and port of the gRPC health service")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.BridgeURL, "w", config.BridgeURL, "protocol bridge URL")
	fs.StringVar(&config.SessionDir, "f", config.SessionDir, "session directory")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.OwnerNumber, "o", config.OwnerNumber, "owner phone number")
	fs.StringVar(&config.Mode, "m", config.Mode, "command mode")
	fs.StringVar(&config.Prefix, "x", config.Prefix, "command prefix")
	fs.StringVar(&config.BotName, "n", config.BotName, "bot name")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
