package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/orchestrator"
)

const (
	version = "1.0.0-dev"
	appName = "meshforgemapsd"
)

var (
	configFile  = flag.String("config", "/etc/meshforgemapsd/config.json", "config file path")
	dbFile      = flag.String("db", "/var/lib/meshforgemapsd/telemetry.db", "telemetry database path")
	host        = flag.String("host", "127.0.0.1", "HTTP/WebSocket bind host")
	port        = flag.Int("port", 8808, "HTTP bind port (WebSocket binds to port+1)")
	metricsPort = flag.Int("metrics-port", 9808, "Prometheus metrics bind port")
	webDir      = flag.String("web-dir", "", "static web frontend directory to serve, if any")
	logLevel    = flag.String("log-level", "info", "log level (debug|info|warn|error)")
	tui         = flag.Bool("tui", false, "print a periodic terminal status summary alongside the daemon")
	tuiOnly     = flag.Bool("tui-only", false, "print a periodic terminal status summary and skip the metrics listener")
	versionFlag = flag.Bool("version", false, "show version and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", appName, version)
		os.Exit(0)
	}

	logger := logx.New(*logLevel)
	logger.Info("starting meshforgemapsd",
		"version", version,
		"config", *configFile,
		"db", *dbFile,
	)

	opts := orchestrator.Options{
		ConfigPath:  *configFile,
		DBPath:      *dbFile,
		Host:        *host,
		Port:        *port,
		LogLevel:    *logLevel,
		WebDir:      *webDir,
		MetricsPort: *metricsPort,
	}
	if *tuiOnly {
		opts.MetricsPort = 0
	}

	d := orchestrator.New(opts)

	if err := d.Start(); err != nil {
		logger.Error("fatal startup error", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var statusTick <-chan time.Time
	if *tui || *tuiOnly {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		statusTick = ticker.C
		printStatus(d)
	}

	logger.Info("daemon started successfully")

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reloading configuration")
				if err := d.ReloadConfig(); err != nil {
					logger.Warn("config reload failed", "error", err.Error())
				}
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("received shutdown signal", "signal", sig.String())
				cancel()
				d.Stop()
				return
			}

		case <-statusTick:
			printStatus(d)

		case <-ctx.Done():
			return
		}
	}
}

// printStatus renders the lightweight terminal summary used by --tui and
// --tui-only; the full interactive renderer is out of scope here.
func printStatus(d *orchestrator.Daemon) {
	s := d.Summary()
	fmt.Printf("\rmeshforgemapsd | nodes=%d stable=%d intermittent=%d offline=%d alerts=%d http=%s          ",
		s.Nodes, s.Stable, s.Intermittent, s.Offline, s.ActiveAlerts, s.HTTPAddr)
}
