package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/engine"
)

// CommandHandler executes CLI commands against the chat engine
type CommandHandler struct {
	eng *engine.Engine
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(eng *engine.Engine) *CommandHandler {
	return &CommandHandler{eng: eng}
}

// Command represents a parsed command
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a command string (e.g., "/open c12")
func ParseCommand(input string) (*Command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty command")
	}

	if !strings.HasPrefix(input, "/") {
		return nil, fmt.Errorf("commands must start with /")
	}

	parts := strings.Fields(input)
	name := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	return &Command{Name: name, Args: args}, nil
}

// Execute executes a command and returns printable output
func (h *CommandHandler) Execute(ctx context.Context, cmd *Command) (string, error) {
	switch cmd.Name {
	case "help", "h":
		return h.cmdHelp()
	case "status", "s":
		return h.cmdStatus()
	case "connect", "c":
		return h.cmdConnect(ctx)
	case "resume":
		return h.cmdResume(ctx)
	case "disconnect", "d":
		return h.cmdDisconnect()
	case "chats", "ls":
		return h.cmdChats(ctx)
	case "refresh", "r":
		return h.cmdRefresh(ctx)
	case "open":
		return h.cmdOpen(ctx, cmd.Args)
	case "close":
		return h.cmdClose(ctx)
	case "send":
		return h.cmdSend(ctx, cmd.Args)
	case "typing", "t":
		return h.cmdTyping(ctx)
	case "retry":
		return h.cmdRetry(ctx, cmd.Args)
	case "discard":
		return h.cmdDiscard(cmd.Args)
	case "quit", "exit", "q":
		return "", errQuit
	default:
		return "", fmt.Errorf("unknown command: %s. Type /help for available commands", cmd.Name)
	}
}

var errQuit = fmt.Errorf("quit")

func (h *CommandHandler) cmdHelp() (string, error) {
	help := `Available commands:

Connection:
  /status, /s       Show connection state
  /connect, /c      Connect the push channel
  /disconnect, /d   Disconnect the push channel
  /resume           App-resume hook: reconnect and flush parked reads

Inbox:
  /chats, /ls       List conversations
  /refresh, /r      Re-fetch the conversation snapshot

Conversation:
  /open <chatId>    Open a conversation
  /close            Close the open conversation
  /send <text>      Send a message in the open conversation
  /typing, /t       Signal that you are typing
  /retry <msgId>    Retry a failed send
  /discard <msgId>  Discard a failed send

Other:
  /help, /h         Show this help
  /quit, /exit, /q  Exit`

	return help, nil
}

func (h *CommandHandler) cmdStatus() (string, error) {
	return fmt.Sprintf("connection: %s", h.eng.ConnectionState()), nil
}

func (h *CommandHandler) cmdConnect(ctx context.Context) (string, error) {
	if err := h.eng.Connect(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("connection: %s", h.eng.ConnectionState()), nil
}

func (h *CommandHandler) cmdResume(ctx context.Context) (string, error) {
	h.eng.Foreground(ctx)
	return fmt.Sprintf("connection: %s", h.eng.ConnectionState()), nil
}

func (h *CommandHandler) cmdDisconnect() (string, error) {
	h.eng.Disconnect()
	return "disconnected", nil
}

func (h *CommandHandler) cmdChats(ctx context.Context) (string, error) {
	chats := h.eng.Registry().Chats()
	if len(chats) == 0 {
		return "no conversations", nil
	}

	var b strings.Builder
	for _, chat := range chats {
		badge := ""
		if chat.UnreadCount > 0 {
			badge = fmt.Sprintf(" (%d unread)", chat.UnreadCount)
		}
		preview := ""
		if chat.LastMessage != nil {
			preview = chat.LastMessage.Content
			if chat.LastMessage.Kind == domain.MessageKindImage {
				preview = "[image]"
			}
			if len(preview) > 40 {
				preview = preview[:40] + "…"
			}
		}
		fmt.Fprintf(&b, "%-12s %-20s %s%s\n", chat.ChatID, chat.Participant.Name, preview, badge)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *CommandHandler) cmdRefresh(ctx context.Context) (string, error) {
	if err := h.eng.RefreshInbox(ctx); err != nil {
		return "", fmt.Errorf("refresh failed (existing inbox kept): %w", err)
	}
	return h.cmdChats(ctx)
}

func (h *CommandHandler) cmdOpen(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: /open <chatId>")
	}

	tl, err := h.eng.OpenChat(ctx, args[0])
	if err != nil {
		return renderTimeline(tl), fmt.Errorf("load failed (cached view shown, /open again to retry): %w", err)
	}
	return renderTimeline(tl), nil
}

func (h *CommandHandler) cmdClose(ctx context.Context) (string, error) {
	h.eng.CloseChat(ctx)
	return "closed", nil
}

func (h *CommandHandler) cmdSend(ctx context.Context, args []string) (string, error) {
	tl := h.eng.Timeline()
	if tl == nil {
		return "", fmt.Errorf("no open conversation; /open one first")
	}
	if len(args) == 0 {
		return "", fmt.Errorf("usage: /send <text>")
	}

	text := strings.Join(args, " ")
	msg, err := h.eng.SendMessage(ctx, tl.ChatID(), text, domain.MessageKindText)
	if err != nil {
		return "", fmt.Errorf("send failed, entry %s kept for /retry or /discard: %w", msg.ID, err)
	}
	return "sent " + msg.ID, nil
}

func (h *CommandHandler) cmdTyping(ctx context.Context) (string, error) {
	tl := h.eng.Timeline()
	if tl == nil {
		return "", fmt.Errorf("no open conversation; /open one first")
	}
	h.eng.Typing(ctx, tl.ChatID())
	return "typing signalled", nil
}

func (h *CommandHandler) cmdRetry(ctx context.Context, args []string) (string, error) {
	tl := h.eng.Timeline()
	if tl == nil || len(args) != 1 {
		return "", fmt.Errorf("usage: /retry <msgId> (with an open conversation)")
	}

	msg, err := h.eng.RetrySend(ctx, tl.ChatID(), args[0])
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "nothing to retry", nil
	}
	return "sent " + msg.ID, nil
}

func (h *CommandHandler) cmdDiscard(args []string) (string, error) {
	tl := h.eng.Timeline()
	if tl == nil || len(args) != 1 {
		return "", fmt.Errorf("usage: /discard <msgId> (with an open conversation)")
	}

	if !h.eng.DiscardFailed(tl.ChatID(), args[0]) {
		return "no failed entry with that id", nil
	}
	return "discarded", nil
}

func renderTimeline(tl *engine.Timeline) string {
	if tl == nil {
		return ""
	}

	var b strings.Builder
	for _, msg := range tl.Messages() {
		marker := " "
		switch {
		case msg.Failed:
			marker = "!"
		case msg.Pending:
			marker = "…"
		case msg.ReadState == domain.ReadStateRead:
			marker = "✓"
		}
		content := msg.Content
		if msg.Kind == domain.MessageKindImage {
			content = "[image] " + content
		}
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", msg.SentAt.Format("15:04"), marker, msg.SenderID, content)
	}
	if tl.PeerTyping() {
		b.WriteString("peer is typing…\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
