package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/clock"
)

// Info is what the built-in commands report about the bot.
type Info struct {
	BotName     string
	OwnerNumber string
	StartedAt   time.Time
	Clock       clock.Clock
}

// Builtin returns the ping, help and owner commands.
func Builtin(info Info) []Descriptor {
	if info.Clock == nil {
		info.Clock = clock.Real()
	}
	return []Descriptor{
		{
			Pattern:     "ping",
			Description: "Check that the bot is responsive.",
			Category:    "general",
			Handler: func(ctx context.Context, req *Request) error {
				if err := react(ctx, req, "⚡"); err != nil {
					return err
				}
				msg := "Pong!"
				now := info.Clock.Now()
				if !req.Timestamp.IsZero() {
					msg = fmt.Sprintf("Pong! %dms", now.Sub(req.Timestamp).Milliseconds())
				}
				if !info.StartedAt.IsZero() {
					msg += fmt.Sprintf("\nUptime: %s", now.Sub(info.StartedAt).Truncate(time.Second))
				}
				return reply(ctx, req, msg)
			},
		},
		{
			Pattern:     "help",
			Aliases:     []string{"menu"},
			Description: "List available commands.",
			Category:    "general",
			Handler: func(ctx context.Context, req *Request) error {
				return reply(ctx, req, helpText(info.BotName, req.Registry, req.IsOwner))
			},
		},
		{
			Pattern:     "owner",
			Description: "Show how to reach the bot owner.",
			Category:    "general",
			Handler: func(ctx context.Context, req *Request) error {
				if info.OwnerNumber == "" {
					return reply(ctx, req, "No owner is configured.")
				}
				return reply(ctx, req, fmt.Sprintf("Owner: https://wa.me/%s", info.OwnerNumber))
			},
		},
	}
}

func helpText(botName string, r *Registry, owner bool) string {
	var b strings.Builder
	if botName != "" {
		fmt.Fprintf(&b, "*%s commands*\n", botName)
	}
	if r == nil {
		return b.String()
	}
	category := ""
	for _, d := range r.Commands() {
		if d.OwnerOnly && !owner {
			continue
		}
		if d.Category != category {
			category = d.Category
			fmt.Fprintf(&b, "\n_%s_\n", strings.ToUpper(category))
		}
		fmt.Fprintf(&b, "%s%s", r.Prefix(), d.Pattern)
		if d.Description != "" {
			fmt.Fprintf(&b, " - %s", d.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
