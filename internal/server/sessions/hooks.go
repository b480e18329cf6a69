package sessions

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
)

// AnnounceHook sends a short availability notice to the bot's own chat.
func AnnounceHook(botName, prefix string) Hook {
	return func(ctx context.Context, s *Session) error {
		s.mu.Lock()
		user := s.user
		s.mu.Unlock()
		if user == nil {
			return common.ErrNotConnected
		}
		text := fmt.Sprintf("*%s* is connected.\nPrefix: %s\nSession: %s", botName, prefix, s.id)
		_, err := s.Send(ctx, protocol.BareJID(user.ID), text)
		return err
	}
}
