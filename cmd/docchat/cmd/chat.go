package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"ai-docchat-client/internal/docchat"
	"ai-docchat-client/internal/protocol"
	"ai-docchat-client/internal/store"
	"ai-docchat-client/internal/streaming"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	userColor      = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen)
	systemColor    = color.New(color.FgYellow)
)

var (
	noStream bool
	history  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the document's main conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		container, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		client, err := openDocument(ctx, container)
		if err != nil {
			return err
		}
		defer client.Close()

		conv, err := client.CreateMainConversation(ctx)
		if err != nil {
			return fmt.Errorf("create main conversation: %w", err)
		}
		if meta, ok := client.Metadata(); ok {
			systemColor.Printf("%s (%d chunks)\n", meta.Title, meta.ChunkCount)
		}
		if history {
			msgs, err := client.LoadHistory(ctx, conv.ID)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			printMessages(msgs)
		}
		return repl(ctx, client, conv.ID)
	},
}

func init() {
	chatCmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full reply instead of streaming tokens")
	chatCmd.Flags().BoolVar(&history, "history", false, "print the conversation history first")
	rootCmd.AddCommand(chatCmd)
}

// repl reads one message per line until EOF or interrupt.
func repl(ctx context.Context, client *docchat.Client, conversationID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		userColor.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}

		if err := ask(ctx, client, conversationID, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			reportError(err)
		}
	}
}

func ask(ctx context.Context, client *docchat.Client, conversationID, content string) error {
	if noStream {
		resp, err := client.SendMessageAck(ctx, conversationID, content)
		if err != nil {
			return err
		}
		if resp.Reply != nil {
			assistantColor.Println(resp.Reply.Content)
		}
		return nil
	}

	printed := 0
	_, err := client.SendMessage(ctx, conversationID, content, streaming.Handlers{
		// Token content is the accumulated reply; print only what is new.
		OnToken: func(accumulated string) {
			if len(accumulated) > printed {
				assistantColor.Print(accumulated[printed:])
				printed = len(accumulated)
			}
		},
		OnComplete: func(msg protocol.MessagePayload) {
			if len(msg.Content) > printed {
				assistantColor.Print(msg.Content[printed:])
			}
			fmt.Println()
		},
	})
	if err != nil && printed > 0 {
		fmt.Println()
	}
	return err
}

func reportError(err error) {
	var limit *protocol.LimitExceededError
	switch {
	case errors.As(err, &limit):
		systemColor.Printf("Usage limit reached (%d/%d).\n", limit.Used, limit.Limit)
	case errors.Is(err, streaming.ErrStreamInProgress):
		systemColor.Println("A reply is still streaming for this conversation.")
	case errors.Is(err, streaming.ErrNotSent):
		systemColor.Println("Not connected. Your message was not sent.")
	default:
		color.Red("Error: %v", err)
	}
}

func printMessages(msgs []store.Message) {
	for _, m := range msgs {
		ts := m.Timestamp.Local().Format("15:04")
		if m.Role == protocol.RoleUser {
			userColor.Printf("[%s] you: ", ts)
			fmt.Println(m.Content)
			continue
		}
		assistantColor.Printf("[%s] %s\n", ts, m.Content)
	}
}
