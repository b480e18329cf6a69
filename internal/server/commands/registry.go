// Package commands routes prefixed chat messages to statically registered
// handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/common"
)

type Mode string

const (
	ModePublic  Mode = "public"
	ModePrivate Mode = "private"
)

// ParseMode accepts "public" and "private", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePublic, "":
		return ModePublic, nil
	case ModePrivate:
		return ModePrivate, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Request is one inbound message addressed to the bot.
type Request struct {
	SessionID string
	ChatID    string
	SenderID  string
	IsGroup   bool
	FromMe    bool
	Text      string
	Timestamp time.Time

	// Filled in by Dispatch.
	Command  string
	Args     []string
	IsOwner  bool
	Registry *Registry

	Reply func(ctx context.Context, text string) error
	React func(ctx context.Context, emoji string) error
}

type Handler func(ctx context.Context, req *Request) error

type Descriptor struct {
	Pattern     string
	Aliases     []string
	Description string
	Category    string
	OwnerOnly   bool
	Handler     Handler
}

const ownerOnlyReply = "This command is restricted to the bot owner."

type Registry struct {
	prefix string
	owner  string
	mode   Mode

	list   []Descriptor
	byName map[string]int
}

// NewRegistry registers descs in order. Pattern and alias names are
// case-insensitive and must be unique.
func NewRegistry(prefix, ownerNumber string, mode Mode, descs ...Descriptor) (*Registry, error) {
	if prefix == "" {
		return nil, errors.New("empty command prefix")
	}
	r := &Registry{
		prefix: prefix,
		owner:  common.DigitsOnly(ownerNumber),
		mode:   mode,
		byName: make(map[string]int),
	}
	for _, d := range descs {
		if d.Pattern == "" || d.Handler == nil {
			return nil, fmt.Errorf("command %q: pattern and handler are required", d.Pattern)
		}
		idx := len(r.list)
		for _, name := range append([]string{d.Pattern}, d.Aliases...) {
			name = strings.ToLower(name)
			if _, dup := r.byName[name]; dup {
				return nil, fmt.Errorf("command %q registered twice", name)
			}
			r.byName[name] = idx
		}
		r.list = append(r.list, d)
	}
	return r, nil
}

func (r *Registry) Prefix() string { return r.prefix }

// Commands returns the registered descriptors sorted by category, then pattern.
func (r *Registry) Commands() []Descriptor {
	out := make([]Descriptor, len(r.list))
	copy(out, r.list)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	idx, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return Descriptor{}, false
	}
	return r.list[idx], true
}

// IsOwner compares the user part of senderID with the owner number.
func (r *Registry) IsOwner(senderID string) bool {
	if r.owner == "" {
		return false
	}
	user, _, _ := strings.Cut(senderID, "@")
	user, _, _ = strings.Cut(user, ":")
	return common.DigitsOnly(user) == r.owner
}

// Dispatch runs the command named by req.Text. It reports false when the
// message is not a command this registry accepts from this sender.
func (r *Registry) Dispatch(ctx context.Context, req *Request) (bool, error) {
	text := strings.TrimSpace(req.Text)
	if !strings.HasPrefix(text, r.prefix) {
		return false, nil
	}
	fields := strings.Fields(text[len(r.prefix):])
	if len(fields) == 0 {
		return false, nil
	}
	desc, ok := r.Lookup(fields[0])
	if !ok {
		return false, nil
	}

	owner := req.FromMe || r.IsOwner(req.SenderID)
	if r.mode == ModePrivate && !owner {
		return false, nil
	}

	req.Command = strings.ToLower(fields[0])
	req.Args = fields[1:]
	req.IsOwner = owner
	req.Registry = r

	if desc.OwnerOnly && !owner {
		return true, reply(ctx, req, ownerOnlyReply)
	}
	if err := desc.Handler(ctx, req); err != nil {
		return true, fmt.Errorf("command %s: %w", desc.Pattern, err)
	}
	return true, nil
}

func reply(ctx context.Context, req *Request, text string) error {
	if req.Reply == nil {
		return nil
	}
	return req.Reply(ctx, text)
}

func react(ctx context.Context, req *Request, emoji string) error {
	if req.React == nil {
		return nil
	}
	return req.React(ctx, emoji)
}
