package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version  = "0.1.0"
	cfgFile  string
	model    string
	logLevel string
	verbose  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "apphost",
		Short: "Connect to tool servers and use their tools through chat",
		Long: `apphost connects to remote tool servers, lists their tools and invokes them.
When a tool needs parameters you did not give, apphost asks for them in
conversation and runs the tool once everything is known.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/apphost/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "model to use (overrides model.name)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr instead of the log file")

	rootCmd.AddCommand(
		newToolsCmd(),
		newCallCmd(),
		newChatCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("apphost version %s\n", version)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
