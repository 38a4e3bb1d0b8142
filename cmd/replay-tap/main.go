package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/burpheart/replay-tap/internal/harness"
	"github.com/burpheart/replay-tap/pkg/types"
)

const version = "0.3.0"

var (
	modeStr          string
	port             int
	socketPath       string
	recordingPath    string
	baseRecordingDir string
	upstreamURL      string
	logLevel         string
)

// configError distinguishes exit code 2 from startup failures (exit 1).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

func main() {
	rootCmd := &cobra.Command{
		Use:   "replay-tap",
		Short: "Record/replay harness for program-platform exchanges",
		Long: `A WebSocket harness that interposes on RPC-style exchanges between a
program and its platform, with per-session passthrough, record and
playback modes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the harness server",
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&modeStr, "mode", "passthrough", "Default session mode (passthrough, record, playback)")
	startCmd.Flags().IntVar(&port, "port", 0, "TCP listen port")
	startCmd.Flags().StringVar(&socketPath, "socket", "", "UNIX socket path")
	startCmd.Flags().StringVar(&recordingPath, "recording-path", "", "Default recording path for sessions")
	startCmd.Flags().StringVar(&baseRecordingDir, "base-recording-dir", "", "Directory resolving relative recording paths")
	startCmd.Flags().StringVar(&upstreamURL, "upstream", "", "Platform endpoint (ws://host:port or unix:/path)")
	startCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("replay-tap %s\n", version)
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	mode, err := types.ParseMode(modeStr)
	if err != nil {
		return &configError{err}
	}
	if port == 0 && socketPath == "" {
		return &configError{errors.New("one of --port or --socket is required")}
	}
	if port != 0 && socketPath != "" {
		return &configError{errors.New("--port and --socket are mutually exclusive")}
	}
	if mode == types.ModePlayback && recordingPath == "" && baseRecordingDir == "" {
		return &configError{errors.New("playback mode requires --recording-path or --base-recording-dir")}
	}

	normalize, err := types.HashNormalizeFromEnv()
	if err != nil {
		return &configError{err}
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return &configError{fmt.Errorf("invalid log level %q", logLevel)}
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg := types.DefaultConfig()
	cfg.Mode = mode
	cfg.Port = port
	cfg.SocketPath = socketPath
	cfg.RecordingPath = recordingPath
	cfg.BaseRecordingDir = baseRecordingDir
	cfg.UpstreamURL = upstreamURL
	cfg.LogLevel = logLevel
	cfg.HashNormalize = normalize

	server, err := harness.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	log.Info().
		Str("mode", mode.String()).
		Int("port", port).
		Str("socket", socketPath).
		Str("upstream", upstreamURL).
		Bool("hashNormalize", normalize).
		Msg("harness starting")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		server.Stop()
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
