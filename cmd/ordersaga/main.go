package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/version"
	"github.com/k0kubun/pp/v3"
	"go.uber.org/automaxprocs/maxprocs"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	ordersPath  = flag.String("orders", "", "JSON file with an array of orders to process")
	orderCount  = flag.Int("count", 1, "Number of sample orders to generate when -orders is not set")
	cancelAfter = flag.Duration("cancel-after", 0, "Send a cancel signal to every order after this delay")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger, postgres)")
	printConfig = flag.Bool("print-config", false, "Print the resolved configuration and exit")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	overrides := buildOverrides()

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}
	if cfg.App.Version == "" || cfg.App.Version == "dev" {
		cfg.App.Version = version.Version
	}

	if *printConfig {
		printer := pp.New()
		printer.SetColoringEnabled(false)
		printer.SetExportedOnly(true)
		printer.Fprintln(os.Stdout, cfg)
		os.Exit(0)
	}

	logCfg := &logger.Config{
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	defer log.Close()

	undoProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		log.Warn("Failed to set GOMAXPROCS", "error", err)
	}
	defer undoProcs()

	log.Info("Starting ordersaga",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orders, err := loadOrders(*ordersPath, *orderCount)
	if err != nil {
		log.Error("Failed to load orders", "error", err)
		os.Exit(1)
	}

	opts := runOptions{
		configPath:  *configPath,
		overrides:   overrides,
		orders:      orders,
		cancelAfter: *cancelAfter,
		shutdown:    30 * time.Second,
	}
	summary, err := run(ctx, cfg, opts, log, os.Stdout)
	if err != nil {
		log.Error("ordersaga failed", "error", err)
		os.Exit(1)
	}

	log.Info("ordersaga finished", "completed", summary.completed, "failed", summary.failed, "cancelled", summary.cancelled)
	if summary.failed > 0 {
		os.Exit(2)
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}

	return overrides
}

func printHelp() {
	fmt.Printf("ordersaga - order processing saga executor\n\n")
	fmt.Printf("Usage: ordersaga [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  ordersaga -count 5                          # Process five generated sample orders\n")
	fmt.Printf("  ordersaga -orders orders.json               # Process orders from a file\n")
	fmt.Printf("  ordersaga -count 3 -cancel-after 50ms       # Cancel every order shortly after submission\n")
	fmt.Printf("  ordersaga -config ordersaga.yaml -print-config\n")
}
