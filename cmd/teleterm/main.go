package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/teleterm/internal/ipc"
	"github.com/hrygo/teleterm/internal/profile"
	"github.com/hrygo/teleterm/internal/version"
	"github.com/hrygo/teleterm/supervisor"
	"github.com/hrygo/teleterm/worker"
)

var rootCmd = &cobra.Command{
	Use:   "teleterm",
	Short: `Terminal sessions over Telegram: one supervisor, one worker process per bot, AI CLI assistants in a PTY behind each chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as
		// a systemd service, which carries its own environment).
		if !isRunningAsSystemdService() {
			_ = godotenv.Load(viper.GetString("env-file"))
		}
		setupLogging()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{Version: version.String()}
		instanceProfile.FromEnv()
		instanceProfile.EnvFile = viper.GetString("env-file")
		if err := instanceProfile.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
		defer stop()

		printGreetings(instanceProfile)
		return supervisor.New(instanceProfile).Run(ctx)
	},
}

// workerCmd is what the supervisor forks; it is not meant to be invoked by
// hand, hence hidden.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{Version: version.String()}
		instanceProfile.FromEnv()

		token := os.Getenv("BOT_TOKEN")
		if token == "" {
			return fmt.Errorf("worker mode requires BOT_TOKEN")
		}
		index, _ := strconv.Atoi(os.Getenv("BOT_INDEX"))
		botID := profile.BotID(index)

		var conn *ipc.Conn
		if os.Getenv("TELETERM_SUPERVISED") != "" {
			conn = ipc.WorkerConn()
			defer conn.Close()
		}

		w, err := worker.New(botID, instanceProfile, token, conn)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
		defer stop()
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	rootCmd.PersistentFlags().String("env-file", ".env", "environment file to load and persist admin changes to")
	rootCmd.PersistentFlags().Bool("verbose", false, "forward worker stdio to the supervisor console")

	if err := viper.BindPFlag("env-file", rootCmd.PersistentFlags().Lookup("env-file")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("teleterm")
	viper.AutomaticEnv()
}

func setupLogging() {
	level := slog.LevelInfo
	if viper.GetBool("verbose") || os.Getenv("VERBOSE_LOGGING") == "true" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("teleterm %s started\n", p.Version)
	fmt.Printf("Workers: %d\n", len(p.Tokens))
	fmt.Printf("Allowed users: %d\n", len(p.AllowedUserIDs))
	fmt.Printf("Media root: %s\n", p.MediaRoot)
	if p.ControlBotToken != "" {
		fmt.Println("Control bot: enabled")
	}
	if p.TTSProvider() != profile.TTSProviderNone {
		fmt.Printf("Transcription: %s\n", p.TTSProvider())
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("teleterm exited", "error", err)
		os.Exit(1)
	}
}
