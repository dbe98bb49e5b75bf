package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

// InteractiveCLI handles interactive command-line interface
type InteractiveCLI struct {
	handler *CommandHandler
	bus     domain.EventBus
	reader  *bufio.Reader
	writer  io.Writer
}

// NewInteractiveCLI creates a new interactive CLI
func NewInteractiveCLI(handler *CommandHandler, bus domain.EventBus) *InteractiveCLI {
	return &InteractiveCLI{
		handler: handler,
		bus:     bus,
		reader:  bufio.NewReader(os.Stdin),
		writer:  os.Stdout,
	}
}

// Run starts the interactive CLI loop
func (cli *InteractiveCLI) Run(ctx context.Context) error {
	cli.printWelcome()

	// Subscribe to events in background
	eventChan := cli.bus.Subscribe([]domain.EventType{
		domain.EventTypeNewMessage,
		domain.EventTypeTyping,
		domain.EventTypeConnectionState,
	})
	defer cli.bus.Unsubscribe(eventChan)

	go cli.handleEvents(eventChan)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cli.print("\n> ")
			line, err := cli.reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if err := cli.processCommand(ctx, line); err != nil {
				if err == errQuit {
					cli.println("Goodbye!")
					return nil
				}
				cli.printf("Error: %s\n", err)
			}
		}
	}
}

func (cli *InteractiveCLI) printWelcome() {
	cli.println("===========================================")
	cli.println("  Pairwise Chat CLI")
	cli.println("===========================================")
	cli.println("Type /help for available commands")
	cli.println("")

	status, _ := cli.handler.cmdStatus()
	cli.println(status)
}

func (cli *InteractiveCLI) processCommand(ctx context.Context, input string) error {
	cmd, err := ParseCommand(input)
	if err != nil {
		return err
	}

	result, err := cli.handler.Execute(ctx, cmd)
	if result != "" {
		cli.println(result)
	}
	return err
}

func (cli *InteractiveCLI) handleEvents(eventChan <-chan domain.Event) {
	for event := range eventChan {
		switch evt := event.(type) {
		case domain.NewMessageEvent:
			if evt.Message != nil {
				cli.printf("\n[%s] %s: %s\n", evt.ChatID, evt.Message.SenderID, evt.Message.Content)
				cli.print("> ")
			}
		case domain.TypingEvent:
			cli.printf("\n[%s] %s is typing…\n", evt.ChatID, evt.UserID)
			cli.print("> ")
		case domain.ConnectionStateEvent:
			if evt.Reason != "" {
				cli.printf("\n[connection: %s (%s)]\n", evt.State, evt.Reason)
			} else {
				cli.printf("\n[connection: %s]\n", evt.State)
			}
			cli.print("> ")
		}
	}
}

func (cli *InteractiveCLI) print(s string) {
	fmt.Fprint(cli.writer, s)
}

func (cli *InteractiveCLI) println(s string) {
	fmt.Fprintln(cli.writer, s)
}

func (cli *InteractiveCLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(cli.writer, format, args...)
}
