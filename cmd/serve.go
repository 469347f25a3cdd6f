package cmd

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/claude-code-web/agentmux/auth"
	"github.com/claude-code-web/agentmux/config"
	"github.com/claude-code-web/agentmux/pathguard"
	"github.com/claude-code-web/agentmux/pty"
	"github.com/claude-code-web/agentmux/restart"
	"github.com/claude-code-web/agentmux/restmgr"
	"github.com/claude-code-web/agentmux/session"
	"github.com/claude-code-web/agentmux/wsgateway"
)

// saveInterval is how often the registry's autosave ticker persists
// sessions to disk; a tick writes only if the store has been marked dirty.
const saveInterval = 30 * time.Second

// runServeChild builds and runs the actual listener. It is invoked only in
// the re-exec'd child process; the supervisor never calls this directly.
func runServeChild(cmd *cobra.Command) (err error) {
	cfg, loadErr := loadAndMergeConfig(cmd)
	if loadErr != nil {
		return loadErr
	}

	guard, gerr := pathguard.New(cfg.Root)
	if gerr != nil {
		return fmt.Errorf("path guard: %w", gerr)
	}

	storePath := cfg.SessionStorePath
	if storePath == "" {
		storePath = session.DefaultPath()
	}
	store := session.NewStore(storePath)

	var reg *session.Registry
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[SERVE] panic: %v", r)
			sessions := store.Load()
			if reg != nil {
				sessions = reg.Snapshot()
			}
			session.WriteCrashFile(storePath, sessions)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	jwtSecret, jerr := hex.DecodeString(cfg.JWTSecret)
	if jerr != nil {
		return fmt.Errorf("invalid jwt secret in config: %w", jerr)
	}
	var passwordHash []byte
	if cfg.PasswordHash != "" {
		passwordHash = []byte(cfg.PasswordHash)
	}
	authMgr := auth.NewManager(cfg.Token, jwtSecret, passwordHash, cfg.TOTPSecret, cfg.DisableAuth)

	aliases := make(map[pty.AgentKind]string, len(cfg.Aliases))
	for k, v := range cfg.Aliases {
		aliases[pty.AgentKind(k)] = v
	}
	tools := pty.NewRegistry(aliases)
	resolver := pty.NewResolver()
	bridge := pty.NewBridge()

	gw := wsgateway.New(authMgr)
	reg = session.NewRegistry(store, guard, bridge, tools, session.DefaultRegistryConfig(), gw)
	gw.SetRegistry(reg)

	restCfg := restart.DefaultConfig()
	restCfg.GCThresholdBytes = cfg.GCThresholdBytes()
	restCfg.WarnThresholdBytes = cfg.WarnThresholdBytes()
	restMgr := restart.NewManager(restCfg, gw)
	restMgr.Exit = os.Exit

	hostname, _ := os.Hostname()
	rest := restmgr.New(restmgr.Config{
		Registry:      reg,
		Auth:          authMgr,
		Tools:         tools,
		Resolver:      resolver,
		Guard:         guard,
		Hostname:      hostname,
		Aliases:       aliases,
		TempImagesDir: cfg.TempImagesDir,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	rest.Register(mux)
	mux.HandleFunc("/", placeholderHandler)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go reg.Run(saveInterval)
	go restMgr.Run()

	if cfg.Dev {
		go watchConfigForDevReload(flagConfigPath)
	}

	go watchShutdownIPC(func() {
		log.Printf("[SERVE] shutdown requested over IPC")
		reg.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	})

	log.Printf("[SERVE] listening on %s (https=%v)", addr, cfg.HTTPS)
	if cfg.HTTPS {
		err = httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func placeholderHandler(w http.ResponseWriter, r *http.Request) {
	// The browser UI is a separate static-asset collaborator; this server
	// only implements the WebSocket and REST surface it talks to.
	http.Error(w, "agentmux: no UI bundle configured", http.StatusNotFound)
}

// watchShutdownIPC reads newline-delimited JSON from stdin, which is how
// the supervisor asks this process to exit gracefully; signals are not
// used because they are not reliably deliverable to a re-exec'd child on
// every platform the supervisor targets.
func watchShutdownIPC(onShutdown func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "shutdown" {
			onShutdown()
			return
		}
	}
}

// watchConfigForDevReload logs config file changes in --dev mode. It does
// not apply them and does not restart the server; edits take effect the
// next time the server process starts.
func watchConfigForDevReload(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[DEV] fsnotify: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		log.Printf("[DEV] watching %s: %v", path, err)
		return
	}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Printf("[DEV] config file changed (%s); restart to apply", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[DEV] fsnotify error: %v", err)
		}
	}
}

func loadAndMergeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if os.IsNotExist(err) {
		cfg, err = config.RunFirstSetup(flagConfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	overrideString(flags.Changed("auth"), flagAuth, &cfg.Token)
	if flags.Changed("disable-auth") {
		cfg.DisableAuth = flagDisableAuth
	}
	if flags.Changed("https") {
		cfg.HTTPS = flagHTTPS
	}
	overrideString(flags.Changed("cert"), flagCertFile, &cfg.CertFile)
	overrideString(flags.Changed("key"), flagKeyFile, &cfg.KeyFile)
	if flags.Changed("dev") {
		cfg.Dev = flagDev
	}
	overrideString(flags.Changed("root"), flagRoot, &cfg.Root)
	if flags.Changed("tunnel") {
		cfg.Tunnel = flagTunnel
	}
	if flags.Changed("tunnel-allow-anonymous") {
		cfg.TunnelAllowAnonymous = flagTunnelAllowAnonymous
	}

	if cfg.Aliases == nil {
		cfg.Aliases = make(map[string]string)
	}
	mergeAlias(cfg.Aliases, "claude", flags.Changed("claude-path"), flagClaudePath)
	mergeAlias(cfg.Aliases, "codex", flags.Changed("codex-path"), flagCodexPath)
	mergeAlias(cfg.Aliases, "copilot", flags.Changed("copilot-path"), flagCopilotPath)
	mergeAlias(cfg.Aliases, "gemini", flags.Changed("gemini-path"), flagGeminiPath)
	mergeAlias(cfg.Aliases, "terminal", flags.Changed("terminal-shell"), flagTerminalShell)

	return cfg, nil
}

func mergeAlias(aliases map[string]string, key string, changed bool, val string) {
	if changed && val != "" {
		aliases[key] = val
	}
}
