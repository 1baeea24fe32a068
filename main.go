package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/filterproxy/filterproxy-srv/config"
	"github.com/codefionn/filterproxy/filterproxy-srv/dashboard"
	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	"github.com/codefionn/filterproxy/filterproxy-srv/proxy"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	listenAddr := flag.String("listen", "", "Listen address override (host:port)")
	blocklist := flag.String("blocklist", "", "Blocklist file override")
	metricsPath := flag.String("metrics-path", "", "CSV metrics file override")
	accessLog := flag.String("access-log", "", "Access log file override")
	errorLog := flag.String("error-log", "", "Error log file override")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("filterproxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	applyFlagOverrides(cfg, *listenAddr, *blocklist, *metricsPath, *accessLog, *errorLog)

	if err := logger.Configure(cfg.ErrorLogFile); err != nil {
		logger.Warn("Could not open error log %s: %v", cfg.ErrorLogFile, err)
	}
	if err := logger.ConfigureAccessLog(cfg.AccessLogFile); err != nil {
		logger.Warn("Could not open access log %s: %v", cfg.AccessLogFile, err)
	}

	logger.Info("Starting filterproxy server")
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Blocklist file: %s", cfg.BlocklistFile)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)

	return cfg, *configPathPtr
}

// applyFlagOverrides lets CLI flags win over the config file and environment.
func applyFlagOverrides(cfg *config.Config, listenAddr, blocklist, metricsPath, accessLog, errorLog string) {
	if listenAddr != "" {
		cfg.ListenAddress = listenAddr
	}
	if blocklist != "" {
		cfg.BlocklistFile = blocklist
	}
	if metricsPath != "" {
		cfg.Metrics.CSVPath = metricsPath
	}
	if accessLog != "" {
		cfg.AccessLogFile = accessLog
	}
	if errorLog != "" {
		cfg.ErrorLogFile = errorLog
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	proxyInstance, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}

	var dash *dashboard.Server
	startDashboard := func(c *config.Config) {
		if !c.Dashboard.Enabled {
			return
		}
		dash = dashboard.NewServer(c.Dashboard, c.Metrics.CSVPath, c.ListenAddress)
		go func() {
			logger.Info("Starting dashboard on %s", c.Dashboard.ListenAddress)
			if err := dash.Start(); err != nil {
				logger.Error("Dashboard server error: %v", err)
			}
		}()
	}
	stopDashboard := func() {
		if dash == nil {
			return
		}
		if err := dash.Stop(); err != nil {
			logger.Error("Error stopping dashboard: %v", err)
		}
		dash = nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startProxy := func(c *config.Config) {
		go func() {
			logger.Info("Starting proxy server on %s...", c.ListenAddress)
			if err := proxyInstance.Start(); err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	startProxy(cfg)
	startDashboard(cfg)
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting proxy.")
				continue
			}
			logger.Info("Config changed. Restarting proxy...")
			if err := proxyInstance.Close(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}
			stopDashboard()
			proxyInstance, err = proxy.NewProxy(newCfg)
			if err != nil {
				logger.Fatal("Failed to create proxy with new configuration: %v", err)
			}
			startProxy(newCfg)
			startDashboard(newCfg)
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			stopDashboard()
			if err := proxyInstance.Close(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Proxy server shutdown complete")
			logger.Close()
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
