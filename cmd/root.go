// Package cmd implements the CLI entry point: flag parsing, first-run
// setup, and the supervisor/server process split.
package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claude-code-web/agentmux/config"
	"github.com/claude-code-web/agentmux/supervisor"
)

// serveChildEnv marks a re-exec'd child as the actual server process
// rather than the supervisor; set by the supervisor's CommandFactory.
const serveChildEnv = "AGENTMUX_SERVE_CHILD"

var (
	flagConfigPath           string
	flagSetup                bool
	flagPort                 int
	flagAuth                 string
	flagDisableAuth          bool
	flagHTTPS                bool
	flagCertFile             string
	flagKeyFile              string
	flagDev                  bool
	flagRoot                 string
	flagTunnel               bool
	flagTunnelAllowAnonymous bool
	flagClaudePath           string
	flagCodexPath            string
	flagCopilotPath          string
	flagGeminiPath           string
	flagTerminalShell        string
)

// rootCmd is the supervisor entry point: it owns the respawn loop and the
// crash circuit breaker, delegating the actual listener to a re-exec'd
// child so that a panic recovered in the child's crash handler can never
// take the supervisor down with it.
var rootCmd = &cobra.Command{
	Use:   "agentmux",
	Short: "Browser-accessible multiplexer for interactive CLI coding assistants",
	RunE:  runSupervisor,
}

// Execute runs the root command; call from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", config.DefaultPath(), "config file path")
	rootCmd.Flags().BoolVar(&flagSetup, "setup", false, "run the first-time setup wizard and exit")

	rootCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP listen port")
	rootCmd.Flags().StringVar(&flagAuth, "auth", "", "shared bearer token (overrides config)")
	rootCmd.Flags().BoolVar(&flagDisableAuth, "disable-auth", false, "disable authentication entirely")
	rootCmd.Flags().BoolVar(&flagHTTPS, "https", false, "serve over TLS")
	rootCmd.Flags().StringVar(&flagCertFile, "cert", "", "TLS certificate file (required with --https)")
	rootCmd.Flags().StringVar(&flagKeyFile, "key", "", "TLS key file (required with --https)")
	rootCmd.Flags().BoolVar(&flagDev, "dev", false, "enable development mode (logs config file changes)")
	rootCmd.Flags().StringVar(&flagRoot, "root", "", "filesystem root sessions are sandboxed to")
	rootCmd.Flags().BoolVar(&flagTunnel, "tunnel", false, "expose the server through a dev tunnel")
	rootCmd.Flags().BoolVar(&flagTunnelAllowAnonymous, "tunnel-allow-anonymous", false, "allow unauthenticated access over the tunnel")

	rootCmd.Flags().StringVar(&flagClaudePath, "claude-path", "", "override the claude binary search path")
	rootCmd.Flags().StringVar(&flagCodexPath, "codex-path", "", "override the codex binary search path")
	rootCmd.Flags().StringVar(&flagCopilotPath, "copilot-path", "", "override the copilot binary search path")
	rootCmd.Flags().StringVar(&flagGeminiPath, "gemini-path", "", "override the gemini binary search path")
	rootCmd.Flags().StringVar(&flagTerminalShell, "terminal-shell", "", "override the default terminal shell")

	rootCmd.PreRunE = validateFlags
}

func validateFlags(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		if flagPort < 1 || flagPort > 65535 {
			return fmt.Errorf("--port must be between 1 and 65535, got %d", flagPort)
		}
	}
	if flagHTTPS {
		if flagCertFile == "" || flagKeyFile == "" {
			return fmt.Errorf("--https requires both --cert and --key")
		}
	}
	return nil
}

// runSupervisor is the root command's Run: it handles --setup, runs the
// server itself (runServeChild, which loads and merges config) when
// AGENTMUX_SERVE_CHILD=1 is set, and otherwise hands off to the
// supervisor, which re-execs this same binary with that variable set.
func runSupervisor(cmd *cobra.Command, args []string) error {
	if flagSetup {
		_, err := config.RunFirstSetup(flagConfigPath)
		return err
	}

	if os.Getenv(serveChildEnv) == "1" {
		return runServeChild(cmd)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	sup := supervisor.New(func() *exec.Cmd {
		c := exec.Command(exe, os.Args[1:]...)
		c.Env = append(os.Environ(), serveChildEnv+"=1")
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sup.Shutdown()
	}()

	return sup.Run()
}

func overrideString(flagChanged bool, flagVal string, cfgVal *string) {
	if flagChanged && flagVal != "" {
		*cfgVal = flagVal
	}
}
