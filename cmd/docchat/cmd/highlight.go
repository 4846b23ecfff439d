package cmd

import (
	"fmt"

	"ai-docchat-client/internal/protocol"

	"github.com/spf13/cobra"
)

var (
	chunkSequence int
	rangeStart    int
	rangeEnd      int
	highlightText string
	listOnly      bool
)

var highlightCmd = &cobra.Command{
	Use:   "highlight",
	Short: "Open a conversation anchored on a highlighted range of one chunk",
	Long: `highlight selects the chunk with --seq, creates a conversation anchored on the
rune range [--start, --end) of its content and then reads messages from stdin.
With --list it prints the chunk's existing conversations instead.`,
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

		if _, err := client.RefreshMetadata(ctx); err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		chunk, ok := client.Chunks().ChunkBySequence(chunkSequence)
		if !ok {
			return fmt.Errorf("document has no chunk with sequence %d", chunkSequence)
		}
		if err := client.SetActiveChunk(chunk.ID); err != nil {
			return err
		}

		if listOnly {
			convs, err := client.LoadChunkConversations(ctx, chunkSequence)
			if err != nil {
				return err
			}
			for _, conv := range convs {
				fmt.Printf("%s  %q\n", conv.ID, conv.HighlightText)
			}
			return nil
		}

		conv, err := client.CreateChunkConversation(ctx, chunk.ID, protocol.Range{Start: rangeStart, End: rangeEnd}, highlightText)
		if err != nil {
			return fmt.Errorf("create chunk conversation: %w", err)
		}
		systemColor.Printf("Highlight: %q\n", conv.HighlightText)
		return repl(ctx, client, conv.ID)
	},
}

func init() {
	highlightCmd.Flags().IntVar(&chunkSequence, "seq", 0, "chunk sequence number")
	highlightCmd.Flags().IntVar(&rangeStart, "start", 0, "highlight start (runes, inclusive)")
	highlightCmd.Flags().IntVar(&rangeEnd, "end", 0, "highlight end (runes, exclusive)")
	highlightCmd.Flags().StringVar(&highlightText, "text", "", "highlight text (defaults to the range's content)")
	highlightCmd.Flags().BoolVar(&listOnly, "list", false, "list the chunk's conversations and exit")
	rootCmd.AddCommand(highlightCmd)
}
