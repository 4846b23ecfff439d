package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ai-docchat-client/internal/bootstrap"
	"ai-docchat-client/internal/config"
	"ai-docchat-client/internal/docchat"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/tracer"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	documentID string
	busDriver  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "docchat",
	Short: "Chat with a document over the realtime backend",
	Long: `docchat opens one realtime session per document and lets you talk to the
document's main conversation or to conversations anchored on highlighted chunk text.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&documentID, "document", "d", "", "document id")
	rootCmd.PersistentFlags().StringVar(&busDriver, "bus", "", "state bus driver (watermill, redis, nats)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "mirror logs to the console")
}

// setup loads config and builds the container. Logs stay in the log file unless
// --verbose is set so they do not interleave with streamed replies.
func setup() (*bootstrap.Container, func(), error) {
	cfg := config.Load()
	if busDriver != "" {
		cfg.Bus.Driver = busDriver
	}

	var sysLogger logger.ILogger
	if verbose {
		sysLogger = logger.NewZapLogger(cfg.App.LogFilePath, cfg.IsProduction())
	} else {
		sysLogger = logger.NewIsolatedLogger(cfg.App.LogFilePath)
	}

	shutdownTracer := tracer.InitTracer(cfg, sysLogger)
	container, err := bootstrap.NewContainer(cfg, sysLogger)
	if err != nil {
		_ = shutdownTracer(context.Background())
		return nil, nil, err
	}
	return container, func() {
		_ = container.Shutdown(context.Background())
		_ = shutdownTracer(context.Background())
	}, nil
}

// openDocument connects a client for --document.
func openDocument(ctx context.Context, container *bootstrap.Container) (*docchat.Client, error) {
	if documentID == "" {
		return nil, fmt.Errorf("--document is required")
	}
	client, err := container.OpenDocument(documentID)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
