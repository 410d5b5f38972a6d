// Package main is the CLI entry point for promptfirewall — a local
// security proxy that sits between an application and its upstream LLM
// provider, inspecting every request/response pair for PII,
// prompt-injection, and budget violations before it leaves the
// machine.
//
// Architecture overview:
//
//	Client --> promptfirewall proxy (:8080) --> LLM provider
//	             |
//	             +-- access check (allow/block/inspect)
//	             +-- PII detect + redact
//	             +-- prompt-injection score
//	             +-- budget check
//	             +-- traffic log + webhook alerts
//
//	Operator --> promptfirewall admin (:8081) --> REST + /metrics
//
// CLI commands (cobra):
//
//	promptfirewall start [-d]       - start the proxy + admin surfaces
//	promptfirewall stop             - stop a running instance
//	promptfirewall status           - show whether it's running, plus stats
//	promptfirewall config show      - print config.yaml
//	promptfirewall config generate  - write a default config.yaml
//	promptfirewall config set-policy <file>  - apply a policy.json update
//	promptfirewall config set-access <file>  - apply an access.json update
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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/promptfirewall/promptfirewall/internal/access"
	"github.com/promptfirewall/promptfirewall/internal/admin"
	"github.com/promptfirewall/promptfirewall/internal/alerts"
	"github.com/promptfirewall/promptfirewall/internal/broadcast"
	"github.com/promptfirewall/promptfirewall/internal/budget"
	"github.com/promptfirewall/promptfirewall/internal/config"
	"github.com/promptfirewall/promptfirewall/internal/interceptor"
	"github.com/promptfirewall/promptfirewall/internal/model"
	"github.com/promptfirewall/promptfirewall/internal/pii"
	"github.com/promptfirewall/promptfirewall/internal/policy"
	"github.com/promptfirewall/promptfirewall/internal/proxy"
	"github.com/promptfirewall/promptfirewall/internal/stats"
	"github.com/promptfirewall/promptfirewall/internal/traffic"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.promptfirewall/, where config.yaml,
// policy.json, access.json, and budget.db all live by default.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptfirewall"
	}
	return filepath.Join(home, ".promptfirewall")
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
	Use:     "promptfirewall",
	Short:   "promptfirewall — local security proxy for outbound LLM traffic",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	Long: `promptfirewall is a local HTTP proxy that inspects every request/response
pair passing between a client application and its upstream LLM
provider: detecting and redacting PII, scoring prompt-injection
attempts, enforcing budget limits, and applying allow/block rules —
before anything reaches or returns from the provider.

Run 'promptfirewall start' to start the proxy and admin surfaces.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to the promptfirewall config and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// promptfirewall start — Start the proxy and admin servers
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the promptfirewall proxy and admin servers",
	Long: `Start the promptfirewall proxy and admin HTTP servers. The proxy
inspects and forwards LLM traffic; the admin server exposes the REST
surface, the dashboard WebSocket feed, and /metrics.

By default runs in the foreground. Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run in daemon/background mode")
}

// runStart wires every subsystem together and blocks until shutdown.
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config.yaml, create the data directory
//  3. Open policy/access/budget stores
//  4. Build the PII detector, interceptor, alert dispatcher, traffic log
//  5. Build the broadcast hub, the proxy, and the admin surface
//  6. Start the config file watcher for policy.json/access.json hot-reload
//  7. Write the PID file
//  8. Start both HTTP servers, print the startup banner, and block on
//     SIGINT/SIGTERM/HTTP shutdown
func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("PF_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// The --config-dir flag is authoritative for where state lives,
	// overriding config.yaml's data_dir (which only matters when
	// config.yaml is read from somewhere other than --config-dir).
	cfg.DataDir = configDir

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	policyStore := policy.Open(cfg.PolicyPath())
	accessStore := access.Open(cfg.AccessPath())

	ledger, err := budget.Open(cfg.BudgetPath())
	if err != nil {
		return fmt.Errorf("failed to open budget ledger: %w", err)
	}
	defer ledger.Close()
	if err := ledger.MigrateLegacyJSON(cfg.LegacyBudgetPath()); err != nil {
		fmt.Fprintf(os.Stderr, "[promptfirewall] Warning: legacy budget migration failed: %v\n", err)
	}

	detector := pii.New()
	interceptorInst := interceptor.New(policyStore, detector, ledger)
	alertDispatcher := alerts.New()
	trafficLog := traffic.New()

	hub := broadcast.NewHub(
		func() model.DashboardStats { return stats.Compute(trafficLog, ledger) },
		func(n int) []model.TrafficEntry { return trafficLog.Last(n) },
	)

	upstreamTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	upstreamClient := &http.Client{
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		Transport: upstreamTransport,
	}

	proxyServer := proxy.New(proxy.Options{
		Access:         accessStore,
		Interceptor:    interceptorInst,
		Alerts:         alertDispatcher,
		Broadcast:      hub,
		Traffic:        trafficLog,
		UpstreamClient: upstreamClient,
	})

	apiKey, err := config.ResolveAPIKey()
	if err != nil {
		return fmt.Errorf("failed to resolve admin API key: %w", err)
	}
	corsOrigins := config.ResolveCORSOrigins(cfg)

	adminServer := admin.New(admin.Options{
		Policy:      policyStore,
		Access:      accessStore,
		PII:         detector,
		Ledger:      ledger,
		Interceptor: interceptorInst,
		Alerts:      alertDispatcher,
		Traffic:     trafficLog,
		APIKey:      apiKey,
		CORSOrigins: corsOrigins,
	})

	adminMux := http.NewServeMux()
	adminMux.Handle("/dashboard/ws", hub)
	adminMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})
	shutdownCh := make(chan struct{}, 1)
	adminMux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})
	adminMux.Handle("/", adminServer.Handler())

	watcher, err := config.NewWatcher(cfg.DataDir, config.WatchTargets{
		OnPolicyChange: func() {
			policyStore.Reload()
			fmt.Println("[promptfirewall] policy.json reloaded")
		},
		OnAccessChange: func() {
			accessStore.Reload()
			fmt.Println("[promptfirewall] access.json reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	pidFile := cfg.PIDPath()
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	proxySrv := &http.Server{
		Addr:              cfg.Proxy.Addr(),
		Handler:           proxyServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Admin.Addr(),
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- proxySrv.ListenAndServe() }()
	go func() { errCh <- adminSrv.ListenAndServe() }()

	fmt.Println("=== promptfirewall ===")
	fmt.Printf("[promptfirewall] Proxy listening on http://%s\n", cfg.Proxy.Addr())
	fmt.Printf("[promptfirewall] Admin listening on http://%s\n", cfg.Admin.Addr())
	if os.Getenv("PF_API_KEY") == "" {
		fmt.Printf("[promptfirewall] Generated admin API key (not persisted, shown once): %s\n", apiKey)
	} else {
		fmt.Println("[promptfirewall] Admin API key sourced from PF_API_KEY")
	}
	if !daemonMode {
		fmt.Println("[promptfirewall] Press Ctrl+C to stop")
	}

	select {
	case <-ctx.Done():
		fmt.Println("\n[promptfirewall] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[promptfirewall] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[promptfirewall] Proxy shutdown error: %v\n", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[promptfirewall] Admin shutdown error: %v\n", err)
	}

	fmt.Println("[promptfirewall] Stopped")
	return nil
}

// spawnDaemon re-executes the promptfirewall binary as a detached
// background process, redirecting its output to a log file under
// configDir, then exits the parent immediately.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "promptfirewall.log")
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
	child.Env = append(os.Environ(), "PF_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[promptfirewall] Started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[promptfirewall] Log file: %s\n", logPath)
	fmt.Println("[promptfirewall] Use 'promptfirewall stop' to stop")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[promptfirewall] Warning: failed to release child process: %v\n", err)
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

// isLoopback restricts /shutdown to local-only callers.
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
// promptfirewall stop — Stop a running instance
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running promptfirewall instance",
	Long: `Stop a running promptfirewall instance. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.DataDir = configDir

	addr := "http://" + cfg.Admin.Addr()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[promptfirewall] Stop signal sent")
			os.Remove(cfg.PIDPath())
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("instance is not responding at %s — cannot stop", addr)
	}

	pidBytes, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", cfg.PIDPath(), err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(cfg.PIDPath())
		return fmt.Errorf("failed to stop (PID %d): %w", pid, err)
	}

	os.Remove(cfg.PIDPath())
	fmt.Printf("[promptfirewall] Sent stop signal (PID %d)\n", pid)
	return nil
}

// ============================================================================
// promptfirewall status — Show running status and stats
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether promptfirewall is running, plus current stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.DataDir = configDir

	addr := "http://" + cfg.Admin.Addr()
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[promptfirewall] Status: NOT RUNNING")
		fmt.Printf("[promptfirewall] Expected admin surface at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[promptfirewall] Status: RUNNING")
	fmt.Printf("[promptfirewall] Proxy:  http://%s\n", cfg.Proxy.Addr())
	fmt.Printf("[promptfirewall] Admin:  %s\n", addr)

	statsResp, err := client.Get(addr + "/api/stats")
	if err != nil {
		fmt.Println("[promptfirewall] Could not query stats")
		return nil
	}
	defer statsResp.Body.Close()

	body, err := io.ReadAll(statsResp.Body)
	if err != nil {
		fmt.Println("[promptfirewall] Could not read stats")
		return nil
	}

	var s model.DashboardStats
	if err := json.Unmarshal(body, &s); err != nil {
		fmt.Println("[promptfirewall] Could not parse stats")
		return nil
	}

	fmt.Println()
	fmt.Printf("  Requests (24h):     %s\n", humanize.Comma(int64(s.TotalRequests)))
	fmt.Printf("  Blocked (24h):      %s\n", humanize.Comma(int64(s.BlockedRequests)))
	fmt.Printf("  PII detections:     %s\n", humanize.Comma(int64(s.PIIDetections)))
	fmt.Printf("  Injection attempts: %s\n", humanize.Comma(int64(s.InjectionAttempts)))
	fmt.Printf("  Spend today:        $%.4f\n", s.TotalSpendToday)
	fmt.Printf("  Tokens today:       %s\n", humanize.Comma(int64(s.TotalTokensToday)))
	fmt.Printf("  Requests/min:       %.0f\n", s.RequestsPerMinute)
	return nil
}

// ============================================================================
// promptfirewall config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit promptfirewall configuration",
	Long: `Manage the promptfirewall configuration. config.yaml defines the
proxy/admin listen addresses, data directory, CORS origins, and
upstream client timeout. Security policy and access rules are separate
JSON files managed with set-policy/set-access.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configSetPolicyCmd)
	configCmd.AddCommand(configSetAccessCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'promptfirewall config generate' to write a default config.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[promptfirewall] Wrote default config to %s\n", configPath)
		return nil
	},
}

// configSetPolicyCmd applies a full SecurityRules document (validated
// the same way the admin POST /api/rules route validates it) from a
// JSON file, without requiring a running instance.
var configSetPolicyCmd = &cobra.Command{
	Use:   "set-policy <file.json>",
	Short: "Apply a policy.json update from a local file",
	Long: `Replace the persisted security policy (PII rules, injection rule,
budget rule) from a JSON file on disk. The file must contain the full
SecurityRules document; it is validated the same way the admin
POST /api/rules route validates it.

This edits policy.json directly — if an instance is running against
the same --config-dir, it will pick up the change via the config file
watcher without a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		var rules model.SecurityRules
		if err := json.Unmarshal(data, &rules); err != nil {
			return fmt.Errorf("invalid policy JSON: %w", err)
		}

		store := policy.Open(filepath.Join(configDir, "policy.json"))
		if _, err := store.Update(rules); err != nil {
			return fmt.Errorf("policy validation failed: %w", err)
		}
		fmt.Println("[promptfirewall] Policy updated")
		return nil
	},
}

// configSetAccessCmd applies a PartialUpdate from a JSON file.
var configSetAccessCmd = &cobra.Command{
	Use:   "set-access <file.json>",
	Short: "Apply an access.json partial update from a local file",
	Long: `Merge an access-rules partial update (allowed/blocked endpoints,
models, keywords) from a JSON file on disk into access.json. Only the
keys present in the file are applied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		var update access.PartialUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return fmt.Errorf("invalid access JSON: %w", err)
		}

		store := access.Open(filepath.Join(configDir, "access.json"))
		if _, err := store.Apply(update); err != nil {
			return fmt.Errorf("failed to persist access rules: %w", err)
		}
		fmt.Println("[promptfirewall] Access rules updated")
		return nil
	},
}
