// Package settings provides centralized configuration management.
// Every tunable resolves environment variable > settings file > compiled-in
// default. The settings file tier is optional: Load reads it when
// SETTINGS_FILE points at a YAML file, otherwise only env and defaults
// apply.
package settings

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ReaderConfig holds the DemoReader tick-window and event-throttle tuning.
type ReaderConfig struct {
	TickWindow         int           // ticks requested per parse call
	TickWindowMin      int           // shrink floor after successful polls
	TickWindowMax      int           // growth cap under empty polls
	EventParseInterval time.Duration // min spacing between event refreshes
}

// DefaultReader returns the default reader configuration.
func DefaultReader() ReaderConfig {
	return ReaderConfig{
		TickWindow:         256,
		TickWindowMin:      256,
		TickWindowMax:      2048,
		EventParseInterval: 2 * time.Second,
	}
}

// ReaderFromEnv returns reader configuration with environment overrides.
func ReaderFromEnv() ReaderConfig {
	cfg := DefaultReader()
	if v := getEnvInt("TICK_WINDOW", 0); v > 0 {
		cfg.TickWindow = v
	}
	if v := getEnvInt("TICK_WINDOW_MIN", 0); v > 0 {
		cfg.TickWindowMin = v
	}
	if v := getEnvInt("TICK_WINDOW_MAX", 0); v > 0 {
		cfg.TickWindowMax = v
	}
	if v := getEnvFloat("EVENT_PARSE_INTERVAL", 0); v > 0 {
		cfg.EventParseInterval = time.Duration(v * float64(time.Second))
	}
	return cfg
}

// PollConfig holds the orchestrator's poll-loop tuning. Interval is the
// base period; the adaptive tuner moves the live period between
// MinInterval and Interval.
type PollConfig struct {
	Interval    time.Duration
	MinInterval time.Duration
}

// DefaultPoll returns the default poll configuration.
func DefaultPoll() PollConfig {
	return PollConfig{
		Interval:    800 * time.Millisecond,
		MinInterval: 200 * time.Millisecond,
	}
}

// PollFromEnv returns poll configuration with environment overrides.
func PollFromEnv() PollConfig {
	cfg := DefaultPoll()
	if v := getEnvFloat("POLL_INTERVAL", 0); v > 0 {
		cfg.Interval = time.Duration(v * float64(time.Second))
	}
	if v := getEnvFloat("POLL_INTERVAL_MIN", 0); v > 0 {
		cfg.MinInterval = time.Duration(v * float64(time.Second))
	}
	return cfg
}

// ServerConfig holds the broadcaster's transport settings. The listen port
// is fixed by the wire protocol; only the bind host is configurable.
type ServerConfig struct {
	BindHost               string
	BinaryEncoding         bool
	MsgpackRefreshInterval int
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		BindHost:               "0.0.0.0",
		BinaryEncoding:         true,
		MsgpackRefreshInterval: 10,
	}
}

// ServerFromEnv returns server configuration with environment overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()
	if v := os.Getenv("BIND_HOST"); v != "" {
		cfg.BindHost = v
	}
	if os.Getenv("BINARY_ENCODING") == "false" {
		cfg.BinaryEncoding = false
	}
	if v := getEnvInt("MSGPACK_REFRESH_INTERVAL", 0); v > 0 {
		cfg.MsgpackRefreshInterval = v
	}
	return cfg
}

// PathsConfig holds every on-disk location the system reads.
type PathsConfig struct {
	DemoDir       string
	BoundsFile    string
	OverviewDir   string
	BoltobservDir string
}

// DefaultPaths returns the default path configuration.
func DefaultPaths() PathsConfig {
	return PathsConfig{
		DemoDir:       "demos",
		BoundsFile:    "config/map_bounds.json",
		OverviewDir:   "config/overviews",
		BoltobservDir: "config/boltobserv",
	}
}

// PathsFromEnv returns path configuration with environment overrides.
func PathsFromEnv() PathsConfig {
	cfg := DefaultPaths()
	if v := os.Getenv("DEMO_DIR"); v != "" {
		cfg.DemoDir = v
	}
	if v := os.Getenv("BOUNDS_FILE"); v != "" {
		cfg.BoundsFile = v
	}
	if v := os.Getenv("OVERVIEW_DIR"); v != "" {
		cfg.OverviewDir = v
	}
	if v := os.Getenv("BOLTOBSERV_DIR"); v != "" {
		cfg.BoltobservDir = v
	}
	return cfg
}

// ExecutorConfig selects where the decoder work runs: inline on the poll
// task, on a single worker goroutine, or in a child worker process.
type ExecutorConfig struct {
	Mode       string // "inline", "thread", or "process"
	SocketPath string // Unix socket for the process worker
	WorkerBin  string // path to the worker binary
}

// DefaultExecutor returns the default executor configuration.
func DefaultExecutor() ExecutorConfig {
	return ExecutorConfig{
		Mode:       "thread",
		SocketPath: "/tmp/cs2-demo-worker.sock",
		WorkerBin:  "demoworker",
	}
}

// ExecutorFromEnv returns executor configuration with environment overrides.
func ExecutorFromEnv() ExecutorConfig {
	cfg := DefaultExecutor()
	switch os.Getenv("EXECUTOR_MODE") {
	case "inline":
		cfg.Mode = "inline"
	case "thread":
		cfg.Mode = "thread"
	case "process":
		cfg.Mode = "process"
	}
	if v := os.Getenv("WORKER_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("WORKER_BIN"); v != "" {
		cfg.WorkerBin = v
	}
	return cfg
}

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Reader   ReaderConfig
	Poll     PollConfig
	Server   ServerConfig
	Paths    PathsConfig
	Executor ExecutorConfig
}

// fileOverlay mirrors the optional YAML settings file. Pointer fields so
// an absent key leaves the default untouched.
type fileOverlay struct {
	TickWindow             *int     `yaml:"tick_window"`
	TickWindowMin          *int     `yaml:"tick_window_min"`
	TickWindowMax          *int     `yaml:"tick_window_max"`
	EventParseInterval     *float64 `yaml:"event_parse_interval"`
	PollInterval           *float64 `yaml:"poll_interval"`
	PollIntervalMin        *float64 `yaml:"poll_interval_min"`
	BindHost               *string  `yaml:"bind_host"`
	BinaryEncoding         *bool    `yaml:"binary_encoding"`
	MsgpackRefreshInterval *int     `yaml:"msgpack_refresh_interval"`
	DemoDir                *string  `yaml:"demo_dir"`
	BoundsFile             *string  `yaml:"bounds_file"`
	OverviewDir            *string  `yaml:"overview_dir"`
	BoltobservDir          *string  `yaml:"boltobserv_dir"`
	ExecutorMode           *string  `yaml:"executor_mode"`
	WorkerSocket           *string  `yaml:"worker_socket"`
	WorkerBin              *string  `yaml:"worker_bin"`
}

func (o *fileOverlay) apply(cfg *AppConfig) {
	if o.TickWindow != nil && *o.TickWindow > 0 {
		cfg.Reader.TickWindow = *o.TickWindow
	}
	if o.TickWindowMin != nil && *o.TickWindowMin > 0 {
		cfg.Reader.TickWindowMin = *o.TickWindowMin
	}
	if o.TickWindowMax != nil && *o.TickWindowMax > 0 {
		cfg.Reader.TickWindowMax = *o.TickWindowMax
	}
	if o.EventParseInterval != nil && *o.EventParseInterval > 0 {
		cfg.Reader.EventParseInterval = time.Duration(*o.EventParseInterval * float64(time.Second))
	}
	if o.PollInterval != nil && *o.PollInterval > 0 {
		cfg.Poll.Interval = time.Duration(*o.PollInterval * float64(time.Second))
	}
	if o.PollIntervalMin != nil && *o.PollIntervalMin > 0 {
		cfg.Poll.MinInterval = time.Duration(*o.PollIntervalMin * float64(time.Second))
	}
	if o.BindHost != nil && *o.BindHost != "" {
		cfg.Server.BindHost = *o.BindHost
	}
	if o.BinaryEncoding != nil {
		cfg.Server.BinaryEncoding = *o.BinaryEncoding
	}
	if o.MsgpackRefreshInterval != nil && *o.MsgpackRefreshInterval > 0 {
		cfg.Server.MsgpackRefreshInterval = *o.MsgpackRefreshInterval
	}
	if o.DemoDir != nil && *o.DemoDir != "" {
		cfg.Paths.DemoDir = *o.DemoDir
	}
	if o.BoundsFile != nil && *o.BoundsFile != "" {
		cfg.Paths.BoundsFile = *o.BoundsFile
	}
	if o.OverviewDir != nil && *o.OverviewDir != "" {
		cfg.Paths.OverviewDir = *o.OverviewDir
	}
	if o.BoltobservDir != nil && *o.BoltobservDir != "" {
		cfg.Paths.BoltobservDir = *o.BoltobservDir
	}
	if o.ExecutorMode != nil {
		switch *o.ExecutorMode {
		case "inline", "thread", "process":
			cfg.Executor.Mode = *o.ExecutorMode
		}
	}
	if o.WorkerSocket != nil && *o.WorkerSocket != "" {
		cfg.Executor.SocketPath = *o.WorkerSocket
	}
	if o.WorkerBin != nil && *o.WorkerBin != "" {
		cfg.Executor.WorkerBin = *o.WorkerBin
	}
}

// Load returns the complete configuration: defaults, then the optional
// settings file (SETTINGS_FILE or the filePath argument), then environment
// overrides on top.
func Load(filePath string) AppConfig {
	cfg := AppConfig{
		Reader:   DefaultReader(),
		Poll:     DefaultPoll(),
		Server:   DefaultServer(),
		Paths:    DefaultPaths(),
		Executor: DefaultExecutor(),
	}
	if filePath == "" {
		filePath = os.Getenv("SETTINGS_FILE")
	}
	if filePath != "" {
		if data, err := os.ReadFile(filePath); err == nil {
			var overlay fileOverlay
			if err := yaml.Unmarshal(data, &overlay); err == nil {
				overlay.apply(&cfg)
			}
		}
	}
	applyEnv(&cfg)
	return cfg
}

// applyEnv layers environment overrides onto a file-overlaid config. It
// reads the same variables as the *FromEnv helpers directly, so only
// variables that are set (and parse) replace a file or default value.
func applyEnv(cfg *AppConfig) {
	if v := getEnvInt("TICK_WINDOW", 0); v > 0 {
		cfg.Reader.TickWindow = v
	}
	if v := getEnvInt("TICK_WINDOW_MIN", 0); v > 0 {
		cfg.Reader.TickWindowMin = v
	}
	if v := getEnvInt("TICK_WINDOW_MAX", 0); v > 0 {
		cfg.Reader.TickWindowMax = v
	}
	if v := getEnvFloat("EVENT_PARSE_INTERVAL", 0); v > 0 {
		cfg.Reader.EventParseInterval = time.Duration(v * float64(time.Second))
	}
	if v := getEnvFloat("POLL_INTERVAL", 0); v > 0 {
		cfg.Poll.Interval = time.Duration(v * float64(time.Second))
	}
	if v := getEnvFloat("POLL_INTERVAL_MIN", 0); v > 0 {
		cfg.Poll.MinInterval = time.Duration(v * float64(time.Second))
	}
	if v := os.Getenv("BIND_HOST"); v != "" {
		cfg.Server.BindHost = v
	}
	if v := os.Getenv("BINARY_ENCODING"); v == "false" {
		cfg.Server.BinaryEncoding = false
	} else if v == "true" {
		cfg.Server.BinaryEncoding = true
	}
	if v := getEnvInt("MSGPACK_REFRESH_INTERVAL", 0); v > 0 {
		cfg.Server.MsgpackRefreshInterval = v
	}
	if v := os.Getenv("DEMO_DIR"); v != "" {
		cfg.Paths.DemoDir = v
	}
	if v := os.Getenv("BOUNDS_FILE"); v != "" {
		cfg.Paths.BoundsFile = v
	}
	if v := os.Getenv("OVERVIEW_DIR"); v != "" {
		cfg.Paths.OverviewDir = v
	}
	if v := os.Getenv("BOLTOBSERV_DIR"); v != "" {
		cfg.Paths.BoltobservDir = v
	}
	switch os.Getenv("EXECUTOR_MODE") {
	case "inline":
		cfg.Executor.Mode = "inline"
	case "thread":
		cfg.Executor.Mode = "thread"
	case "process":
		cfg.Executor.Mode = "process"
	}
	if v := os.Getenv("WORKER_SOCKET"); v != "" {
		cfg.Executor.SocketPath = v
	}
	if v := os.Getenv("WORKER_BIN"); v != "" {
		cfg.Executor.WorkerBin = v
	}
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
