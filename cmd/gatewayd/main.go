// Package main is the CLI entry point for gatewayd — a LAN-facing
// reverse proxy that sits in front of a local LLM runtime's
// OpenAI-compatible HTTP API and control channel.
//
// gatewayd intercepts chat/completions traffic, injects per-model
// default sampling parameters when the client omits them, records a
// hash-chained request log, tails the backend's own log files onto a
// live event bus, and exposes an admin/debug HTTP surface for model
// lifecycle management and observability — all with zero changes
// required on the client side beyond pointing it at the gateway.
//
// Architecture overview:
//
//	Client (any OpenAI SDK) --> gatewayd (:8080) --> LLM runtime (:1234)
//	                              |                      |
//	                              |-- access filter (IP allowlist + secret)
//	                              |-- inject inference defaults
//	                              |-- relay (streaming or buffered)
//	                              |-- request log (hash-chained + SQLite)
//	                              +-- event bus <-- control channel (WS)
//	                                            <-- log tailer (fsnotify)
//
// CLI commands (cobra):
//
//	gatewayd start [-d]   - Start the gateway (foreground or daemon)
//	gatewayd stop         - Stop the gateway
//	gatewayd status       - Show gateway status and active model
//	gatewayd config show  - Print the effective configuration
//	gatewayd config init  - Write a default config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanhost/llm-gateway/internal/accessfilter"
	"github.com/lanhost/llm-gateway/internal/admin"
	"github.com/lanhost/llm-gateway/internal/bus"
	"github.com/lanhost/llm-gateway/internal/control"
	"github.com/lanhost/llm-gateway/internal/gwconfig"
	"github.com/lanhost/llm-gateway/internal/proxy"
	"github.com/lanhost/llm-gateway/internal/reqlog"
	"github.com/lanhost/llm-gateway/internal/state"
	"github.com/lanhost/llm-gateway/internal/tailer"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.gateway/ where config.yaml, the request
// log, and the PID/log files all live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gateway"
	}
	return filepath.Join(home, ".gateway")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var configDir string

var rootCmd = &cobra.Command{
	Use:     "gatewayd",
	Short:   "gatewayd — LAN reverse proxy for local LLM runtimes",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to gatewayd config and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// gatewayd start
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway. It binds gateway.host:gateway.port, proxies
chat/completions (and other OpenAI-compatible routes) to backend.http_base_url,
and exposes /health, /admin/*, and /debug/* on the same port.

By default runs in the foreground. Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run gateway in daemon/background mode")
}

// runStart initializes every subsystem and blocks until shutdown.
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.gateway/config.yaml
//  3. Open the request log (hash-chained JSONL + SQLite index)
//  4. Create the event bus, app state store, and control client
//  5. Start the backend log tailer (if enabled)
//  6. Create the proxy and admin HTTP handlers, wrap with the access filter
//  7. Write PID file, start the config watcher for hot-reload
//  8. Start listening and block until SIGINT/SIGTERM or HTTP /shutdown
func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("GATEWAYD_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := gwconfig.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// --- Request log: hash-chained JSONL with a SQLite query index ---
	reqLogDir := filepath.Join(configDir, "requests")
	reqLog, err := reqlog.Open(reqLogDir)
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	defer reqLog.Close()

	// --- Event bus, app state, control client ---
	eventBus := bus.New()
	defer eventBus.Close()

	appState := state.New()
	controlClient := control.New(cfg.Backend.ControlURL)
	defer controlClient.Close()

	// --- Backend log tailer ---
	var logTailer *tailer.Tailer
	if cfg.Log.EnableMonitoring && cfg.Log.Dir != "" {
		logTailer = tailer.New(cfg.Log.Dir, eventBus)
		logTailer.Start()
		defer logTailer.Stop()
		fmt.Printf("[gatewayd] Tailing backend logs under %s\n", cfg.Log.Dir)
	}

	// --- Upstream HTTP client tuned for low-latency LAN proxying ---
	//
	// We talk to exactly one upstream (the local LLM runtime), so
	// connection reuse matters more than fan-out: MaxIdleConnsPerHost is
	// set high so a burst of concurrent chat requests doesn't thrash new
	// TCP connections. Compression is disabled — we relay raw SSE bytes
	// to the client as they arrive, and decompressing first would add
	// latency without a meaningful size win on LAN. No client-side
	// Timeout is set: streaming completions can run for minutes; the
	// proxy's own proxy.timeout_ms / stream_timeout_ms bound duration at
	// the application level instead.
	upstreamTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}
	upstreamClient := &http.Client{Transport: upstreamTransport}

	proxyServer := proxy.New(proxy.Options{
		BackendHTTPBaseURL: cfg.Backend.HTTPBaseURL,
		Client:             upstreamClient,
		State:              appState,
		Bus:                eventBus,
		ReqLog:             reqLog,
		ProxyTimeout:       time.Duration(cfg.Proxy.TimeoutMs) * time.Millisecond,
		StreamTimeout:      time.Duration(cfg.Proxy.StreamTimeoutMs) * time.Millisecond,
	})

	adminServer := admin.New(admin.Options{
		State:            appState,
		Bus:               eventBus,
		Control:           controlClient,
		ReqLog:            reqLog,
		DashboardEnabled:  cfg.Dashboard.Enabled,
	})

	// --- Access filter: source-IP allowlist + shared-secret auth ---
	filter := accessfilter.New(cfg.Access.Allowlist, cfg.Access.SharedSecret, cfg.Access.RequireAuthForHealth)

	mux := http.NewServeMux()
	mux.Handle("/", proxyServer)
	mux.Handle("/admin/", adminServer.Handler())
	mux.Handle("/debug/", adminServer.Handler())
	mux.Handle("/health", adminServer.Handler())
	mux.Handle("/dashboard", adminServer.Handler())

	// /shutdown is intentionally outside the access filter's protected
	// surface and restricted to loopback only, matching the teacher's
	// cross-platform stop mechanism.
	root := http.NewServeMux()
	root.Handle("/", filter.Wrap(mux))
	shutdownCh := make(chan struct{}, 1)
	root.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout/ReadTimeout: streaming completions can run for
		// minutes. proxy.stream_timeout_ms bounds them at the application
		// level instead of the transport level.
	}

	pidFile := filepath.Join(configDir, "gatewayd.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// Hot-reload: the access filter (allowlist, shared secret, health
	// auth flag) is rebuilt live without a restart when config.yaml is
	// edited on disk. Other config fields take effect only on restart.
	watcher, err := gwconfig.NewWatcher(configDir, filepath.Join(configDir, "config.yaml"), gwconfig.WatchTargets{
		OnConfigChange: func(newCfg *gwconfig.Config) {
			*filter = *accessfilter.New(newCfg.Access.Allowlist, newCfg.Access.SharedSecret, newCfg.Access.RequireAuthForHealth)
			fmt.Println("[gatewayd] config.yaml reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[gatewayd] Gateway listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[gatewayd] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[gatewayd] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[gatewayd] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[gatewayd] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[gatewayd] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[gatewayd] Stopped")
	return nil
}

// spawnDaemon re-executes the gatewayd binary as a detached background
// process and releases it so it survives the parent's exit. Go can't
// fork() safely once the runtime has started extra threads, so this is
// the standard re-exec-with-env-sentinel daemonization pattern.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "gatewayd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "GATEWAYD_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[gatewayd] Gateway started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[gatewayd] Log file: %s\n", logPath)
	fmt.Println("[gatewayd] Use 'gatewayd stop' to stop the gateway")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[gatewayd] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback restricts /shutdown to localhost callers.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// gatewayd stop
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gateway. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := gwconfig.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[gatewayd] Stop signal sent to gateway")
			os.Remove(filepath.Join(configDir, "gatewayd.pid"))
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("gateway is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "gatewayd.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("gateway is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop gateway (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[gatewayd] Sent stop signal to gateway (PID %d)\n", pid)
	return nil
}

// ============================================================================
// gatewayd status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status and the active model",
	Long: `Display whether the gateway is running, its listen address, and the
currently active model. Queries the live gateway via HTTP for accurate
real-time data rather than reading files from disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := gwconfig.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[gatewayd] Status: NOT RUNNING")
		fmt.Printf("[gatewayd] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[gatewayd] Status: RUNNING")
	fmt.Printf("[gatewayd] Listening on: %s\n", addr)

	statusResp, err := client.Get(addr + "/debug/status?limit=1")
	if err != nil {
		fmt.Println("[gatewayd] Could not query gateway status")
		return nil
	}
	defer statusResp.Body.Close()

	body, err := io.ReadAll(statusResp.Body)
	if err != nil {
		fmt.Println("[gatewayd] Could not read gateway status")
		return nil
	}

	var snap state.DebugStatus
	if err := json.Unmarshal(body, &snap); err != nil {
		fmt.Println("[gatewayd] Could not parse gateway status")
		return nil
	}

	if snap.ActiveModel.ModelKey == nil {
		fmt.Println("[gatewayd] Active model: none")
	} else {
		fmt.Printf("[gatewayd] Active model: %s\n", *snap.ActiveModel.ModelKey)
	}
	fmt.Printf("[gatewayd] Gateway status: %s\n", snap.Status)
	fmt.Printf("[gatewayd] Total requests: %d (errors: %d)\n", snap.TotalRequests, snap.TotalErrors)
	return nil
}

// ============================================================================
// gatewayd config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialize the gateway configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := gwconfig.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		enc, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(enc))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists — remove it first if you want to reinitialize", path)
		}
		if err := gwconfig.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[gatewayd] Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
