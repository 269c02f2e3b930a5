package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// Config carries every knob the scan engine recognizes. Values are
// resolved in three layers: built-in defaults, then an optional JSON
// config file, then command-line flags.
type Config struct {
	Roots              []string          `json:"roots"`
	ScanType           string            `json:"scan_type"`
	MaxFiles           int               `json:"max_files"`
	IncludeArchives    bool              `json:"include_archives"`
	SkipReputation     bool              `json:"skip_reputation"`
	DBPath             string            `json:"db_path"`
	QuarantineDir      string            `json:"quarantine_dir"`
	RulesFile          string            `json:"rules_file"`
	ConcurrencyLevel   int               `json:"concurrency_level"`
	NiceLevel          string            `json:"nice_level"`
	DigestAlgorithm    string            `json:"digest_algorithm"`
	MaxFileSize        int64             `json:"max_file_size"`
	MaxIOPerSecond     int               `json:"max_io_per_second"`
	ContentWindowBytes int64             `json:"content_window_bytes"`
	ContentReadMode    string            `json:"content_read_mode"`
	CheckpointEvery    int               `json:"checkpoint_every"`
	CheckpointInterval time.Duration     `json:"checkpoint_interval"`
	ReputationTTL      time.Duration     `json:"reputation_ttl"`
	LowWaterScore      int               `json:"low_water_score"`
	AutoQuarantine     bool              `json:"auto_quarantine"`
	LogLevel           string            `json:"log_level"`
	ConfigFile         string            `json:"config_file"`
	OtelEndpoint       string            `json:"otel_endpoint"`
	OtelFromEnv        bool              `json:"otel_from_env"`
	OtelHeaders        map[string]string `json:"otel_headers"`
	OtelServiceName    string            `json:"otel_service_name"`
	OtelTimeout        time.Duration     `json:"otel_timeout"`
	OtelExportPaths    bool              `json:"otel_export_paths"`

	// Maintenance actions, flag-only.
	ResumeSession string `json:"-"`
	RestoreID     string `json:"-"`
	ListSessions  bool   `json:"-"`

	ConcurrencySet bool `json:"-"`
}

func Defaults() *Config {
	return &Config{
		Roots:              []string{"."},
		ScanType:           "full",
		MaxFiles:           0,
		IncludeArchives:    true,
		SkipReputation:     false,
		DBPath:             ".pocketshield/db",
		QuarantineDir:      ".pocketshield/quarantine",
		RulesFile:          "",
		ConcurrencyLevel:   runtime.NumCPU(),
		NiceLevel:          "medium",
		DigestAlgorithm:    "sha256",
		MaxFileSize:        100 * 1024 * 1024,
		MaxIOPerSecond:     0,
		ContentWindowBytes: 10 * 1024 * 1024,
		ContentReadMode:    "auto",
		CheckpointEvery:    100,
		CheckpointInterval: 10 * time.Second,
		ReputationTTL:      7 * 24 * time.Hour,
		LowWaterScore:      30,
		AutoQuarantine:     true,
		LogLevel:           "info",
		OtelHeaders:        map[string]string{},
		OtelServiceName:    "pocketshield",
		OtelTimeout:        5 * time.Second,
	}
}

func LoadConfig() (*Config, error) {
	cfg := Defaults()

	configFile := flag.String("config", "", "Path to a JSON config file (default: none).")
	roots := flag.String("roots", strings.Join(cfg.Roots, ","), "Comma-separated list of storage roots to scan.")
	scanType := flag.String("scan-type", cfg.ScanType, "Scan type: full, quick, or targeted (default: full).")
	maxFiles := flag.Int("max-files", cfg.MaxFiles, "Maximum number of files to process, 0 for unbounded (default: 0).")
	includeArchives := flag.Bool("include-archives", cfg.IncludeArchives, "Expand archives one level and scan entries (default: true).")
	skipReputation := flag.Bool("skip-reputation", cfg.SkipReputation, "Classify from local signatures only, ignoring the reputation cache (default: false).")
	dbPath := flag.String("db", cfg.DBPath, "Path to the engine state database.")
	quarantineDir := flag.String("quarantine-dir", cfg.QuarantineDir, "Directory holding quarantined files.")
	rulesFile := flag.String("rules", cfg.RulesFile, "Path to a JSON signature rule corpus (default: built-in rules).")
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, fmt.Sprintf("Number of analysis workers (default: %d).", cfg.ConcurrencyLevel))
	nice := flag.String("nice", cfg.NiceLevel, "Nice level: high, medium, or low (default: medium).")
	digest := flag.String("digest", cfg.DigestAlgorithm, "Content digest algorithm: sha256 or blake3 (default: sha256).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, "Maximum file size in bytes to hash and match (default: 104857600).")
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum files enqueued per second, 0 for unlimited (default: 0).")
	contentWindow := flag.Int64("content-window", cfg.ContentWindowBytes, "Bytes of file content inspected by the signature matcher (default: 10485760).")
	contentReadMode := flag.String("content-read-mode", cfg.ContentReadMode, "Content read mode: auto, stream, or mmap (default: auto).")
	checkpointEvery := flag.Int("checkpoint-every", cfg.CheckpointEvery, "Checkpoint after this many processed files (default: 100).")
	checkpointInterval := flag.Duration("checkpoint-interval", cfg.CheckpointInterval, "Checkpoint at least this often while scanning (default: 10s).")
	reputationTTL := flag.Duration("reputation-ttl", cfg.ReputationTTL, "Lifetime of reputation cache entries (default: 168h).")
	lowWater := flag.Int("low-water-score", cfg.LowWaterScore, "Reputation score below which unmatched files are flagged suspicious (default: 30).")
	autoQuarantine := flag.Bool("auto-quarantine", cfg.AutoQuarantine, "Quarantine files classified malicious (default: true).")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error, fatal, or panic (default: info).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for scan events (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: pocketshield).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw file paths in OTEL payloads (default: false).")
	resumeSession := flag.String("resume", "", "Resume a paused session by id instead of starting a new scan.")
	restoreID := flag.String("restore", "", "Restore a quarantined file by record id and exit.")
	listSessions := flag.Bool("list-sessions", false, "List stored scan sessions and exit.")

	flag.Usage = displayHelp
	flag.Parse()

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "roots":
			cfg.Roots = parseCommaSeparated(*roots)
		case "scan-type":
			cfg.ScanType = strings.ToLower(strings.TrimSpace(*scanType))
		case "max-files":
			cfg.MaxFiles = *maxFiles
		case "include-archives":
			cfg.IncludeArchives = *includeArchives
		case "skip-reputation":
			cfg.SkipReputation = *skipReputation
		case "db":
			cfg.DBPath = *dbPath
		case "quarantine-dir":
			cfg.QuarantineDir = *quarantineDir
		case "rules":
			cfg.RulesFile = *rulesFile
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
			cfg.ConcurrencySet = true
		case "nice":
			cfg.NiceLevel = strings.ToLower(strings.TrimSpace(*nice))
		case "digest":
			cfg.DigestAlgorithm = strings.ToLower(strings.TrimSpace(*digest))
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "content-window":
			cfg.ContentWindowBytes = *contentWindow
		case "content-read-mode":
			cfg.ContentReadMode = strings.ToLower(strings.TrimSpace(*contentReadMode))
		case "checkpoint-every":
			cfg.CheckpointEvery = *checkpointEvery
		case "checkpoint-interval":
			cfg.CheckpointInterval = *checkpointInterval
		case "reputation-ttl":
			cfg.ReputationTTL = *reputationTTL
		case "low-water-score":
			cfg.LowWaterScore = *lowWater
		case "auto-quarantine":
			cfg.AutoQuarantine = *autoQuarantine
		case "log-level":
			cfg.LogLevel = strings.ToLower(strings.TrimSpace(*logLevel))
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "resume":
			cfg.ResumeSession = strings.TrimSpace(*resumeSession)
		case "restore":
			cfg.RestoreID = strings.TrimSpace(*restoreID)
		case "list-sessions":
			cfg.ListSessions = *listSessions
		}
	})

	if len(cfg.Roots) == 0 {
		cfg.Roots = []string{"."}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("PocketShield - On-Device Threat Scan Engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pocketshield [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  pocketshield --roots \"/sdcard,/data/local\"")
	fmt.Println("  pocketshield --scan-type quick --max-files 500")
	fmt.Println("  pocketshield --resume 2f1c...e9")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	if _, ok := raw["concurrency_level"]; ok {
		cfg.ConcurrencySet = true
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

// Validate normalizes derived fields and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.ScanType = strings.ToLower(strings.TrimSpace(cfg.ScanType))
	cfg.ContentReadMode = strings.ToLower(strings.TrimSpace(cfg.ContentReadMode))
	cfg.DigestAlgorithm = strings.ToLower(strings.TrimSpace(cfg.DigestAlgorithm))
	if cfg.ScanType == "" {
		cfg.ScanType = "full"
	}
	if cfg.ContentReadMode == "" {
		cfg.ContentReadMode = "auto"
	}
	if cfg.DigestAlgorithm == "" {
		cfg.DigestAlgorithm = "sha256"
	}

	if cfg.ScanType != "full" && cfg.ScanType != "quick" && cfg.ScanType != "targeted" {
		return fmt.Errorf("invalid scan type: %s", cfg.ScanType)
	}
	if cfg.ContentReadMode != "auto" && cfg.ContentReadMode != "stream" && cfg.ContentReadMode != "mmap" {
		return fmt.Errorf("invalid content-read-mode value: %s", cfg.ContentReadMode)
	}
	if cfg.DigestAlgorithm != "sha256" && cfg.DigestAlgorithm != "blake3" {
		return fmt.Errorf("invalid digest algorithm: %s", cfg.DigestAlgorithm)
	}
	if cfg.MaxFiles < 0 {
		return fmt.Errorf("max-files must be zero or positive")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.ContentWindowBytes <= 0 {
		return fmt.Errorf("content-window must be positive")
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	if cfg.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint-every must be positive")
	}
	if cfg.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint-interval must be positive")
	}
	if cfg.ReputationTTL < 0 {
		return fmt.Errorf("reputation-ttl must be zero or positive")
	}
	if cfg.LowWaterScore < 0 || cfg.LowWaterScore > 100 {
		return fmt.Errorf("low-water-score must be between 0 and 100")
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("db path must be specified")
	}
	if cfg.QuarantineDir == "" {
		return fmt.Errorf("quarantine directory must be specified")
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers
}
