// Package cli implements gophbot-cli, the operator tool for moving session
// credentials between hosts and minting admin API tokens.
//
// Commands:
//
//	token encode <session-id>          print the pairing token of a stored session
//	token decode                       summarise a token read from stdin
//	token import <session-id>          store a token read from stdin
//	admin-token                        print a bearer token for the admin API
//	handoff export <session-id>        seal and upload a session to object storage
//	handoff import <key> <session-id>  download, open and store a handed-off session
//	handoff import-url <url> <id>      the same from a presigned URL (export --presign)
//
// Settings come from the daemon's JSON config (--config or GOPHBOT_CONFIG)
// and environment.
package cli
