package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

// MetricsBackend selects where per-request metrics rows are written.
type MetricsBackend string

// Available metrics backends
const (
	MetricsBackendCSV      MetricsBackend = "csv"      // Append-only CSV file
	MetricsBackendSQLite   MetricsBackend = "sqlite"   // Local SQLite database
	MetricsBackendPostgres MetricsBackend = "postgres" // PostgreSQL database
	MetricsBackendDummy    MetricsBackend = "dummy"    // Discards all rows
)

// MetricsConfig defines where and how per-request metrics are recorded.
type MetricsConfig struct {
	Enabled     bool           // Whether metrics recording is enabled
	Backend     MetricsBackend // Which sink implementation to use
	CSVPath     string         // Path to the CSV file (csv backend)
	SQLitePath  string         // Path to the SQLite database file (sqlite backend)
	PostgresDSN string         // Connection string (postgres backend)
}

// DashboardConfig defines settings for the metrics dashboard server.
type DashboardConfig struct {
	Enabled       bool   // Whether the dashboard HTTP server is started
	ListenAddress string // Address the dashboard listens on
	Password      string // Optional password; empty disables authentication
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials upstream hosts directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials upstream hosts through a SOCKS5 proxy.
	ForwardTypeSocks5
)

// ForwardConfig defines how upstream connections are established.
type ForwardConfig struct {
	Type     ForwardType
	Address  string  // SOCKS5 proxy address (socks5 type)
	Username *string // Optional SOCKS5 username
	Password *string // Optional SOCKS5 password
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress  string // Address to listen on (e.g., 0.0.0.0:8080)
	BlocklistFile  string // Path to newline-delimited blocked domains file
	TimeoutSeconds int    // Receive and dial timeout for client/upstream I/O
	TunnelIdleSecs int    // Idle timeout for established CONNECT tunnels
	MaxHeaderBytes int    // Upper bound on request head size
	AccessLogFile  string // Path to the access log; empty disables it
	ErrorLogFile   string // Path to the error log; empty leaves stdout only
	Metrics        MetricsConfig
	Dashboard      DashboardConfig
	Forward        *ForwardConfig // nil means default network dialing
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  "0.0.0.0:8080",
		BlocklistFile:  "config/blocked_domains.txt",
		TimeoutSeconds: 10,
		TunnelIdleSecs: 30,
		MaxHeaderBytes: 64 * 1024,
		AccessLogFile:  "logs/access.log",
		ErrorLogFile:   "logs/error.log",
		Metrics: MetricsConfig{
			Enabled: true,
			Backend: MetricsBackendCSV,
			CSVPath: "logs/metrics.csv",
		},
		Dashboard: DashboardConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:8081",
		},
	}

	// Apply environment variables
	loadConfigFromEnv(cfg)

	// If config file exists, load it
	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive, got %d", cfg.TimeoutSeconds)
	}
	if cfg.TunnelIdleSecs <= 0 {
		return fmt.Errorf("tunnel-idle-seconds must be positive, got %d", cfg.TunnelIdleSecs)
	}
	if cfg.MaxHeaderBytes <= 0 {
		return fmt.Errorf("max-header-bytes must be positive, got %d", cfg.MaxHeaderBytes)
	}
	switch cfg.Metrics.Backend {
	case MetricsBackendCSV, MetricsBackendSQLite, MetricsBackendPostgres, MetricsBackendDummy:
	default:
		return fmt.Errorf("invalid metrics backend: %s", cfg.Metrics.Backend)
	}
	if cfg.Forward != nil && cfg.Forward.Type == ForwardTypeSocks5 && cfg.Forward.Address == "" {
		return fmt.Errorf("socks5 forward requires address field")
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if val, exists := data["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "listen-address must be a string")
		}
		cfg.ListenAddress = *ptr
	}

	if val, exists := data["blocklist-file"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "blocklist-file must be a string")
		}
		cfg.BlocklistFile = *ptr
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return wrapParseErr(err, "timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["tunnel-idle-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return wrapParseErr(err, "tunnel-idle-seconds must be a number")
		}
		cfg.TunnelIdleSecs = *ptr
	}

	if val, exists := data["max-header-bytes"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return wrapParseErr(err, "max-header-bytes must be a number")
		}
		cfg.MaxHeaderBytes = *ptr
	}

	if val, exists := data["access-log"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "access-log must be a string")
		}
		cfg.AccessLogFile = *ptr
	}

	if val, exists := data["error-log"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "error-log must be a string")
		}
		cfg.ErrorLogFile = *ptr
	}

	if val, exists := data["metrics"]; exists {
		metricsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("metrics must be an object")
		}
		if err := parseMetrics(metricsMap, &cfg.Metrics); err != nil {
			return err
		}
	}

	if val, exists := data["dashboard"]; exists {
		dashMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dashboard must be an object")
		}
		if err := parseDashboard(dashMap, &cfg.Dashboard); err != nil {
			return err
		}
	}

	if val, exists := data["forward"]; exists {
		forwardMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("forward must be an object")
		}
		forward, err := parseForward(forwardMap)
		if err != nil {
			return err
		}
		cfg.Forward = forward
	}

	return nil
}

func parseMetrics(m map[string]any, out *MetricsConfig) error {
	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return wrapParseErr(err, "metrics enabled must be a boolean")
		}
		out.Enabled = *ptr
	}
	if val, exists := m["backend"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "metrics backend must be a string")
		}
		out.Backend = MetricsBackend(*ptr)
	}
	if val, exists := m["csv-path"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "metrics csv-path must be a string")
		}
		out.CSVPath = *ptr
	}
	if val, exists := m["sqlite-path"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "metrics sqlite-path must be a string")
		}
		out.SQLitePath = *ptr
	}
	if val, exists := m["postgres-dsn"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "metrics postgres-dsn must be a string")
		}
		out.PostgresDSN = *ptr
	}
	return nil
}

func parseDashboard(m map[string]any, out *DashboardConfig) error {
	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return wrapParseErr(err, "dashboard enabled must be a boolean")
		}
		out.Enabled = *ptr
	}
	if val, exists := m["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "dashboard listen-address must be a string")
		}
		out.ListenAddress = *ptr
	}
	if val, exists := m["password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return wrapParseErr(err, "dashboard password must be a string")
		}
		out.Password = *ptr
	}
	return nil
}

func parseForward(m map[string]any) (*ForwardConfig, error) {
	forwardType, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	switch forwardType {
	case "default-network":
		return &ForwardConfig{Type: ForwardTypeDefaultNetwork}, nil

	case "socks5":
		forward := &ForwardConfig{Type: ForwardTypeSocks5}
		if address, err := parseValue[string](m["address"]); err == nil {
			forward.Address = *address
		} else {
			return nil, fmt.Errorf("socks5 forward requires address field")
		}
		if username, err := parseValue[string](m["username"]); err == nil {
			forward.Username = username
		}
		if password, err := parseValue[string](m["password"]); err == nil {
			forward.Password = password
		}
		return forward, nil

	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

// wrapParseErr preserves missing-secret errors, which carry the env var name.
func wrapParseErr(err error, msg string) error {
	if strings.Contains(err.Error(), "secret") {
		return err
	}
	return fmt.Errorf("%s", msg)
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("FILTERPROXY_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if path := os.Getenv("FILTERPROXY_BLOCKLISTFILE"); path != "" {
		cfg.BlocklistFile = path
	}

	if timeoutStr := os.Getenv("FILTERPROXY_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FILTERPROXY_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if idleStr := os.Getenv("FILTERPROXY_TUNNELIDLESECONDS"); idleStr != "" {
		if idle, err := strconv.Atoi(idleStr); err == nil {
			cfg.TunnelIdleSecs = idle
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FILTERPROXY_TUNNELIDLESECONDS: %s\n", idleStr)
		}
	}

	if maxHdrStr := os.Getenv("FILTERPROXY_MAXHEADERBYTES"); maxHdrStr != "" {
		if maxHdr, err := strconv.Atoi(maxHdrStr); err == nil {
			cfg.MaxHeaderBytes = maxHdr
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FILTERPROXY_MAXHEADERBYTES: %s\n", maxHdrStr)
		}
	}

	if path := os.Getenv("FILTERPROXY_ACCESSLOG"); path != "" {
		cfg.AccessLogFile = path
	}

	if path := os.Getenv("FILTERPROXY_ERRORLOG"); path != "" {
		cfg.ErrorLogFile = path
	}

	if backend := os.Getenv("FILTERPROXY_METRICSBACKEND"); backend != "" {
		cfg.Metrics.Backend = MetricsBackend(backend)
	}

	if path := os.Getenv("FILTERPROXY_METRICSCSVPATH"); path != "" {
		cfg.Metrics.CSVPath = path
	}

	if dsn := os.Getenv("FILTERPROXY_POSTGRESDSN"); dsn != "" {
		cfg.Metrics.PostgresDSN = dsn
	}

	if enabled := os.Getenv("FILTERPROXY_DASHBOARD"); enabled != "" {
		cfg.Dashboard.Enabled = enabled == "true" || enabled == "1"
	}

	if addr := os.Getenv("FILTERPROXY_DASHBOARDADDRESS"); addr != "" {
		cfg.Dashboard.ListenAddress = addr
	}

	if password := os.Getenv("FILTERPROXY_DASHBOARDPASSWORD"); password != "" {
		cfg.Dashboard.Password = password
	}
}
