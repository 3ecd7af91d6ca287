// Command kirogate runs the OpenAI-compatible HTTP gateway in front of
// a kiro-shaped ACP agent subprocess, one subprocess per conversation.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/kirogate/internal/gateway"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "kirogate",
	Short: "OpenAI-compatible HTTP gateway fronting a kiro ACP agent subprocess per conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		cfg := gateway.Config{
			Host:           viper.GetString("host"),
			Port:           viper.GetInt("port"),
			KiroBin:        viper.GetString("kiro-bin"),
			KiroSubcommand: "run",
			KiroArgs:       splitArgs(viper.GetString("kiro-args")),
			Cwd:            viper.GetString("cwd"),
			IdleTimeout:    time.Duration(viper.GetInt("idle-secs")) * time.Second,
			RoutesPath:     viper.GetString("routes"),
		}

		gw, err := gateway.New(cfg)
		if err != nil {
			return err
		}
		return gw.RunWithSignals()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	flags := rootCmd.Flags()
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("host", "0.0.0.0", "HTTP listen host")
	flags.String("kiro-bin", "kiro", "path to the agent binary")
	flags.String("kiro-args", "", "extra space-separated args passed to the agent subcommand")
	flags.String("cwd", ".", "default working directory for spawned agent subprocesses")
	flags.Int("idle-secs", 1800, "seconds of inactivity before a session is evicted")
	flags.String("routes", "", "path to a JSON channel-routing table")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("KIROGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}
