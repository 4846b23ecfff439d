package cmd

import (
	"encoding/json"
	"fmt"
	"sync"

	"ai-docchat-client/pkg/events"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print client state events from the state bus",
	Long: `watch subscribes to every docchat topic on the configured bus and prints each
event as it arrives. Use it with --bus redis or --bus nats to observe another
process's clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		container, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		topicColors := map[string]*color.Color{
			events.TopicConnection: color.New(color.FgYellow),
			events.TopicMessages:   color.New(color.FgCyan),
			events.TopicStreaming:  color.New(color.FgGreen),
			events.TopicMetadata:   color.New(color.FgMagenta),
		}

		var out sync.Mutex
		for _, topic := range events.AllTopics {
			ch, err := container.Bus.Subscribe(ctx, topic)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
			c := topicColors[topic]
			go func() {
				for e := range ch {
					data, _ := json.Marshal(e.Payload())
					out.Lock()
					c.Printf("%s %-20s ", e.Timestamp().Local().Format("15:04:05.000"), e.EventType())
					fmt.Println(string(data))
					out.Unlock()
				}
			}()
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
