package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/postalsys/relaychat/internal/protocol"
)

const prompt = "> "

var (
	authorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	systemStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("241"))
	privStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Terminal is a line-oriented chat front end for a Client. Lines read from
// in are sent as messages, or as commands when they start with "/".
// Received envelopes are written to out.
type Terminal struct {
	client      *Client
	in          io.Reader
	out         io.Writer
	interactive bool

	outMu sync.Mutex
}

// NewTerminal creates a terminal front end. A prompt is shown only when in is
// a terminal.
func NewTerminal(c *Client, in io.Reader, out io.Writer) *Terminal {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Terminal{
		client:      c,
		in:          in,
		out:         out,
		interactive: interactive,
	}
}

// Run relays between the terminal and the server until input ends, ctx is
// done or the server connection fails. The client is closed on return.
// End of input returns nil.
func (t *Terminal) Run(ctx context.Context) error {
	defer t.client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- t.receiveLoop(ctx)
	}()

	inputErr := make(chan error, 1)
	go func() {
		inputErr <- t.inputLoop(ctx)
	}()

	select {
	case err := <-inputErr:
		return err
	case err := <-recvErr:
		if ctx.Err() != nil {
			return nil
		}
		t.printf("%s\n", errStyle.Render("disconnected: "+err.Error()))
		return err
	case <-ctx.Done():
		return nil
	}
}

func (t *Terminal) receiveLoop(ctx context.Context) error {
	for {
		env, err := t.client.Receive(ctx)
		if err != nil {
			return err
		}
		t.printf("\r%s\n", FormatEnvelope(env))
		t.showPrompt()
	}
}

func (t *Terminal) inputLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	t.showPrompt()
	for scanner.Scan() {
		if env := ParseInput(scanner.Text()); env != nil {
			if err := t.client.Send(ctx, env); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
		t.showPrompt()
	}
	return scanner.Err()
}

func (t *Terminal) showPrompt() {
	if t.interactive {
		t.printf("%s", prompt)
	}
}

func (t *Terminal) printf(format string, args ...any) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// ParseInput turns one line of user input into an envelope. "/name args"
// becomes a command, a blank line yields nil, anything else is a message.
// A leading "//" sends a message starting with "/".
func ParseInput(line string) *protocol.Envelope {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if strings.HasPrefix(line, "//") {
		return protocol.NewMessage(line[1:])
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.NewMessage(line)
	}

	name, args, _ := strings.Cut(line[1:], " ")
	if name == "" {
		return protocol.NewMessage(line)
	}
	return protocol.NewCommand(name, strings.TrimSpace(args))
}

// FormatEnvelope renders a received envelope as one display line.
func FormatEnvelope(env *protocol.Envelope) string {
	text := env.Content
	if env.Kind == protocol.KindCommand {
		text = "/" + env.Command
		if env.CommandArgs != "" {
			text += " " + env.CommandArgs
		}
	}

	if env.AuthorID == 0 {
		line := systemStyle.Render("* " + text)
		if env.Private {
			return privStyle.Render("(private) ") + line
		}
		return line
	}

	line := authorStyle.Render(env.Author) + ": " + text
	if env.Private {
		return privStyle.Render("(private) ") + line
	}
	return line
}
