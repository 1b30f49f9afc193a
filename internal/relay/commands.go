package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/protocol"
	"github.com/postalsys/relaychat/internal/session"
)

// Notice texts sent privately to the requester.
const (
	NoticeProvideNick = "Provide nick"
)

// NoticeNickTooLong is sent when a requested nickname exceeds the limit.
var NoticeNickTooLong = fmt.Sprintf("Nick too long (max %d)", session.MaxNicknameLength)

// CommandFunc handles one command from c. A ValidationError is reported to
// the sender only; any other error closes the connection.
type CommandFunc func(ctx context.Context, s *Server, c *session.Connection, args string) error

func defaultCommands() map[string]CommandFunc {
	return map[string]CommandFunc{
		"nick": cmdNick,
	}
}

// cmdNick renames the sender to the first whitespace-separated token of args.
func cmdNick(ctx context.Context, s *Server, c *session.Connection, args string) error {
	var name string
	if fields := strings.Fields(args); len(fields) > 0 {
		name = fields[0]
	}

	old := c.Nickname()
	if err := c.SetNickname(name); err != nil {
		var verr *session.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		notice := nickNotice(verr)
		s.logger.Debug("nickname rejected",
			logging.KeyConnID, c.ID(),
			logging.KeyNickname, old,
			logging.KeyReason, verr.Reason)
		s.Notify(ctx, c, notice)
		return nil
	}

	s.logger.Info("nickname changed",
		logging.KeyConnID, c.ID(),
		"old", old,
		logging.KeyNickname, c.Nickname())
	s.Announce(ctx, fmt.Sprintf("%s changed nick to %s", old, c.Nickname()))
	return nil
}

// nickNotice returns the private notice for a rejected nickname.
func nickNotice(verr *session.ValidationError) string {
	switch verr.Violation {
	case session.ViolationEmpty:
		return NoticeProvideNick
	case session.ViolationTooLong:
		return NoticeNickTooLong
	default:
		return "Invalid nick: " + verr.Reason
	}
}

// Notify sends a private server notice to c.
func (s *Server) Notify(ctx context.Context, c Member, text string) {
	env := protocol.NewMessage(text)
	env.Private = true
	if err := s.broadcaster.Send(ctx, env, System, c); err != nil {
		s.logger.Debug("notice not delivered",
			logging.KeyConnID, c.ID(),
			logging.KeyError, err)
	}
}

// Announce broadcasts a server message to every member.
func (s *Server) Announce(ctx context.Context, text string) Result {
	return s.broadcaster.Broadcast(ctx, protocol.NewMessage(text), System)
}
