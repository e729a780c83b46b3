// Command reach-agent dials out to a reach-server's SSH Listener over a
// reverse tunnel and services the operator requests it receives: run a
// command, read/write/list files, open an interactive SSH session.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build the path policy this agent will enforce
//  3. Wire the dispatcher + SFTP subsystem behind the demuxing server
//  4. Start the dial/register/forward loop
//  5. Block until SIGINT/SIGTERM, then let the loop unwind
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reach-sh/reach/internal/agent/dial"
	"github.com/reach-sh/reach/internal/agent/dispatch"
	"github.com/reach-sh/reach/internal/agent/serve"
	"github.com/reach-sh/reach/internal/agent/sftpd"
	"github.com/reach-sh/reach/internal/agent/sshsession"
	"github.com/reach-sh/reach/internal/pathpolicy"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	serverAddr   string
	dataDir      string
	displayName  string
	purpose      string
	tags         []string
	capabilities []string
	allowedPaths []string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "reach-agent",
		Short: "Dials out to a reach-server and services operator requests over the reverse tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server", envOrDefault("REACH_SERVER_ADDR", "127.0.0.1:2222"), "reach-server SSH Listener address (host:port)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("REACH_AGENT_DATA_DIR", defaultDataDir()), "directory for this agent's persisted key")
	root.PersistentFlags().StringVar(&cfg.displayName, "name", envOrDefault("REACH_AGENT_NAME", ""), "display name reported at registration (default: hostname)")
	root.PersistentFlags().StringVar(&cfg.purpose, "purpose", envOrDefault("REACH_AGENT_PURPOSE", ""), "free-text purpose reported at registration")
	root.PersistentFlags().StringSliceVar(&cfg.tags, "tags", splitCSV(os.Getenv("REACH_AGENT_TAGS")), "comma-separated tags reported at registration")
	root.PersistentFlags().StringSliceVar(&cfg.capabilities, "capabilities", splitCSV(os.Getenv("REACH_AGENT_CAPABILITIES")), "comma-separated capability names")
	root.PersistentFlags().StringSliceVar(&cfg.allowedPaths, "allowed-paths", splitCSV(os.Getenv("REACH_ALLOWED_PATHS")), "comma-separated filesystem roots the operator may read/write (default: $HOME)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reach-agent %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	level, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.displayName == "" {
		hostname, _ := os.Hostname()
		cfg.displayName = hostname
	}
	if len(cfg.allowedPaths) == 0 {
		home, _ := os.UserHomeDir()
		cfg.allowedPaths = []string{home}
	}

	log.Info().
		Str("version", version).
		Str("server", cfg.serverAddr).
		Str("name", cfg.displayName).
		Str("allowed_paths", strings.Join(cfg.allowedPaths, ",")).
		Msg("starting reach-agent")

	policy, err := pathpolicy.New(cfg.allowedPaths)
	if err != nil {
		return fmt.Errorf("path policy: %w", err)
	}

	sessions := sshsession.NewManager()
	dispatcher := dispatch.New(policy, sessions)
	sftpServer, err := sftpd.New(policy)
	if err != nil {
		return fmt.Errorf("sftp subsystem: %w", err)
	}
	demux := serve.New(dispatcher, sftpServer)

	client := &dial.Client{
		ServerAddr: cfg.serverAddr,
		DataDir:    cfg.dataDir,
		Server:     demux,
		Identity: dial.Identity{
			DisplayName:  cfg.displayName,
			Purpose:      cfg.purpose,
			Tags:         cfg.tags,
			Capabilities: cfg.capabilities,
		},
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := client.Run(ctx)
	for _, cerr := range sessions.CloseAll() {
		log.Warn().Err(cerr).Msg("close ssh session")
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}

	log.Info().Msg("reach-agent stopped")
	return nil
}

// defaultDataDir returns the platform-appropriate default state directory.
func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.reach-agent"
	}
	return ".reach-agent"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
