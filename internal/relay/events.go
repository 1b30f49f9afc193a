package relay

import (
	"log/slog"

	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/session"
)

// Events receives connection and message events. Implementations must not
// block; a panic in an implementation is recovered and logged.
type Events interface {
	Connect(addr, nick string)
	Disconnect(addr, nick string, reason error)
	Message(nick, addr, content string)
	Command(nick, addr, name, args string)
}

// LogEvents writes events to a slog logger.
type LogEvents struct {
	Logger *slog.Logger
}

// NewLogEvents creates an Events that logs at info level.
func NewLogEvents(logger *slog.Logger) *LogEvents {
	return &LogEvents{Logger: logging.Component(logger, "events")}
}

func (e *LogEvents) Connect(addr, nick string) {
	e.Logger.Info("client connected",
		logging.KeyRemoteAddr, addr,
		logging.KeyNickname, nick)
}

func (e *LogEvents) Disconnect(addr, nick string, reason error) {
	attrs := []any{
		logging.KeyRemoteAddr, addr,
		logging.KeyNickname, nick,
		logging.KeyKind, session.Kind(reason),
	}
	if !session.IsClean(reason) {
		attrs = append(attrs, logging.KeyReason, reason)
	}
	e.Logger.Info("client disconnected", attrs...)
}

func (e *LogEvents) Message(nick, addr, content string) {
	e.Logger.Debug("message",
		logging.KeyNickname, nick,
		logging.KeyRemoteAddr, addr,
		"length", len(content))
}

func (e *LogEvents) Command(nick, addr, name, args string) {
	e.Logger.Info("command",
		logging.KeyNickname, nick,
		logging.KeyRemoteAddr, addr,
		logging.KeyCommand, name,
		"args", args)
}

type nopEvents struct{}

func (nopEvents) Connect(string, string) {}
func (nopEvents) Disconnect(string, string, error) {}
func (nopEvents) Message(string, string, string) {}
func (nopEvents) Command(string, string, string, string) {}
