package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
	"github.com/codelaboratoryltd/fupd/pkg/metrics"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/sched"
	"github.com/codelaboratoryltd/fupd/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fupd",
	Short: "Fair-usage policy enforcement and RADIUS CoA dispatch engine",
	Long: `fupd - FUP enforcement for ISP subscriber management

Continuously reconciles per-subscriber bandwidth accounting against
package quotas and pushes speed throttles or disconnects to live NAS
devices over RADIUS Change-of-Authorization (RFC 5176).`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var (
	configFile string
	logLevel   string

	// Database (shared with the billing suite)
	dbDSN string

	// Default NAS endpoint
	nasAddr       string
	nasSecret     string
	nasSecretFile string

	// CoA transport
	coaTimeout time.Duration
	coaRetries int

	// Orchestration
	concurrency int

	// Scheduling (run command)
	sweepSpec   string
	resetSpec   string
	metricsAddr string

	// One-shot commands
	userID    int64
	forceSync bool
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, checkCmd, sweepCmd, resetCmd, disconnectCmd} {
		cmd.Flags().StringVarP(&configFile, "config", "c", "/etc/fupd/config.yaml",
			"YAML config file; keys mirror flag names")
		cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
			"Log level (debug, info, warn, error)")
		cmd.Flags().StringVar(&dbDSN, "db-dsn", "",
			"MySQL DSN of the subscriber-management database")
		cmd.Flags().StringVar(&nasAddr, "nas-addr", "",
			"Default NAS address (host or host:port, port defaults to 3799)")
		cmd.Flags().StringVar(&nasSecret, "nas-secret", "",
			"RADIUS shared secret (visible in process listings; prefer --nas-secret-file)")
		cmd.Flags().StringVar(&nasSecretFile, "nas-secret-file", "",
			"File containing the RADIUS shared secret")
		cmd.Flags().DurationVar(&coaTimeout, "coa-timeout", 5*time.Second,
			"Per-attempt wait for a NAS response")
		cmd.Flags().IntVar(&coaRetries, "coa-retries", 3,
			"Retransmissions after the first send")
		cmd.Flags().IntVar(&concurrency, "concurrency", 20,
			"Maximum simultaneous user evaluations during a sweep")
	}

	runCmd.Flags().StringVar(&sweepSpec, "sweep-spec", "@every 15m",
		"Cron spec for the full FUP sweep")
	runCmd.Flags().StringVar(&resetSpec, "reset-spec", "10 0 * * *",
		"Cron spec for the monthly-reset pass")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")

	checkCmd.Flags().Int64Var(&userID, "user", 0, "Subscriber ID to evaluate")
	checkCmd.Flags().BoolVar(&forceSync, "force-sync", false,
		"Re-push the throttled speed even if the NAS already confirmed it")
	checkCmd.MarkFlagRequired("user")

	disconnectCmd.Flags().Int64Var(&userID, "user", 0, "Subscriber ID to disconnect")
	disconnectCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(runCmd, checkCmd, sweepCmd, resetCmd, disconnectCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine with scheduled sweeps and a metrics endpoint",
	RunE:  runEngine,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a single subscriber now",
	RunE:  runCheck,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evaluate every active subscriber once",
	RunE:  runSweep,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Run the monthly reset for packages resetting today",
	RunE:  runReset,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect a subscriber's live session",
	RunE:  runDisconnect,
}

// engine bundles everything a command needs.
type engine struct {
	orch    *fup.Orchestrator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func buildEngine(cmd *cobra.Command) (*engine, error) {
	logger, err := initLogger(logLevel)
	if err != nil {
		return nil, err
	}

	if err := loadConfigFile(cmd, logger); err != nil {
		return nil, err
	}

	if dbDSN == "" {
		return nil, fmt.Errorf("--db-dsn required")
	}
	if nasAddr == "" {
		return nil, fmt.Errorf("--nas-addr required")
	}
	secret := resolveSecret(nasSecret, nasSecretFile, "nas-secret", "nas-secret-file", logger)
	if secret == "" {
		return nil, fmt.Errorf("NAS shared secret required (--nas-secret-file)")
	}
	defaultNAS := radius.NAS{Addr: nasAddr, Secret: secret}

	sqlStore, err := store.Open(dbDSN, logger)
	if err != nil {
		return nil, err
	}
	directory := store.NewDirectory(sqlStore.DB(), nil, defaultNAS, logger)
	sink := store.NewSink(sqlStore.DB(), logger)

	client := radius.NewClient(radius.ClientConfig{
		Timeout:    coaTimeout,
		MaxRetries: coaRetries,
	}, logger)

	m := metrics.New(logger)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	cfg := fup.DefaultOrchestratorConfig()
	cfg.Concurrency = concurrency
	cfg.DefaultNAS = defaultNAS

	orch := fup.NewOrchestrator(cfg, directory, sink, sqlStore, client, m, logger)

	logger.Info("engine ready",
		zap.String("nas", nasAddr),
		zap.Int("concurrency", concurrency),
	)

	return &engine{orch: orch, metrics: m, logger: logger}, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.logger.Sync()

	scheduler, err := sched.New(sched.Config{
		SweepSpec: sweepSpec,
		ResetSpec: resetSpec,
	}, eng.orch, eng.logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		if err := eng.metrics.Serve(metricsAddr); err != nil {
			eng.logger.Error("metrics server exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	eng.logger.Info("shutting down", zap.String("signal", sig.String()))
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.logger.Sync()

	res, err := eng.orch.CheckUser(cmd.Context(), userID, fup.CheckOptions{ForceSync: forceSync})
	if res != nil {
		printJSON(res)
	}
	return err
}

func runSweep(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.logger.Sync()

	res, err := eng.orch.CheckAll(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.logger.Sync()

	res, err := eng.orch.ResetMonthly(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.logger.Sync()

	if err := eng.orch.DisconnectUser(cmd.Context(), userID); err != nil {
		return err
	}
	fmt.Printf("disconnect dispatched for user %d\n", userID)
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}

// resolveSecret returns the shared secret from the file flag when set,
// falling back to the direct flag. Secrets are never logged.
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}
