package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	configFileName = "config.json"
	dbFileName     = "queue.db"
	stockFileName  = "stock.json"
	dataDirEnv     = "OFFLINESALES_DATA_DIR"
)

// Config holds all application configuration.
type Config struct {
	DataDir              string        `json:"data_dir"`
	DBPath               string        `json:"-"`
	DeviceID             string        `json:"device_id"`
	RemoteURL            string        `json:"remote_url"`
	RemoteToken          string        `json:"remote_token,omitempty"`
	StockFile            string        `json:"stock_file"`
	ListenAddr           string        `json:"listen_addr"`
	CallTimeout          time.Duration `json:"-"`
	ConnectivityDebounce time.Duration `json:"-"`
	ProbeInterval        time.Duration `json:"-"`
	SyncInterval         time.Duration `json:"-"`
	Retention            time.Duration `json:"-"`
	MaxAttempts          int           `json:"max_attempts"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".offlinesales")
	return Config{
		DataDir:              dataDir,
		DBPath:               filepath.Join(dataDir, dbFileName),
		StockFile:            filepath.Join(dataDir, stockFileName),
		CallTimeout:          30 * time.Second,
		ConnectivityDebounce: time.Second,
		ProbeInterval:        15 * time.Second,
		SyncInterval:         5 * time.Minute,
		Retention:            7 * 24 * time.Hour,
		MaxAttempts:          5,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file, and
// env, without parsing CLI flags.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir locates the config file, so only its env
	// override is applied before reading the file.
	if v := os.Getenv(dataDirEnv); v != "" {
		cfg.DataDir = v
		cfg.StockFile = filepath.Join(v, stockFileName)
	}

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.ensureDeviceID(); err != nil {
		return cfg, fmt.Errorf("ensuring device id: %w", err)
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	return cfg, cfg.Validate()
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"call_timeout", c.CallTimeout},
		{"connectivity_debounce", c.ConnectivityDebounce},
		{"probe_interval", c.ProbeInterval},
		{"sync_interval", c.SyncInterval},
		{"retention", c.Retention},
	} {
		if d.v < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.name, d.v)
		}
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", c.MaxAttempts)
	}
	return nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		DeviceID             string `json:"device_id"`
		RemoteURL            string `json:"remote_url"`
		RemoteToken          string `json:"remote_token"`
		StockFile            string `json:"stock_file"`
		ListenAddr           string `json:"listen_addr"`
		CallTimeout          string `json:"call_timeout"`
		ConnectivityDebounce string `json:"connectivity_debounce"`
		ProbeInterval        string `json:"probe_interval"`
		SyncInterval         string `json:"sync_interval"`
		Retention            string `json:"retention"`
		MaxAttempts          *int   `json:"max_attempts"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	setString(&c.DeviceID, file.DeviceID)
	setString(&c.RemoteURL, file.RemoteURL)
	setString(&c.RemoteToken, file.RemoteToken)
	setString(&c.StockFile, file.StockFile)
	setString(&c.ListenAddr, file.ListenAddr)
	if file.MaxAttempts != nil {
		c.MaxAttempts = *file.MaxAttempts
	}
	return parseDurations(map[string]durationField{
		"call_timeout":          {file.CallTimeout, &c.CallTimeout},
		"connectivity_debounce": {file.ConnectivityDebounce, &c.ConnectivityDebounce},
		"probe_interval":        {file.ProbeInterval, &c.ProbeInterval},
		"sync_interval":         {file.SyncInterval, &c.SyncInterval},
		"retention":             {file.Retention, &c.Retention},
	})
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("OFFLINESALES_REMOTE_URL"); v != "" {
		c.RemoteURL = v
	}
	if v := os.Getenv("OFFLINESALES_REMOTE_TOKEN"); v != "" {
		c.RemoteToken = v
	}
	if v := os.Getenv("OFFLINESALES_STOCK_FILE"); v != "" {
		c.StockFile = v
	}
	if v := os.Getenv("OFFLINESALES_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("OFFLINESALES_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFLINESALES_MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
	}
	return parseDurations(map[string]durationField{
		"OFFLINESALES_CALL_TIMEOUT":  {os.Getenv("OFFLINESALES_CALL_TIMEOUT"), &c.CallTimeout},
		"OFFLINESALES_SYNC_INTERVAL": {os.Getenv("OFFLINESALES_SYNC_INTERVAL"), &c.SyncInterval},
		"OFFLINESALES_RETENTION":     {os.Getenv("OFFLINESALES_RETENTION"), &c.Retention},
	})
}

type durationField struct {
	raw string
	dst *time.Duration
}

func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*f.dst = d
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ensureDeviceID assigns this installation a stable id on first
// run and persists it.
func (c *Config) ensureDeviceID() error {
	if c.DeviceID != "" {
		return nil
	}
	id := uuid.NewString()
	if err := c.update(map[string]any{"device_id": id}); err != nil {
		return err
	}
	c.DeviceID = id
	return nil
}

// RegisterRunFlags registers run-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterRunFlags(fs *flag.FlagSet) {
	fs.String("remote", "", "Backend base URL")
	fs.String("stock-file", "", "Stock baseline JSON file")
	fs.String("listen", "", "Serve the local API and metrics on this address")
	fs.Duration("sync-interval", 0, "Periodic sync interval (0 disables)")
	fs.Duration("call-timeout", 0, "Timeout for each remote call")
	fs.Int("max-attempts", 0, "Retry cap for failed operations (0 is unlimited)")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) error {
	if fs == nil {
		return nil
	}
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "remote":
			cfg.RemoteURL = v
		case "stock-file":
			cfg.StockFile = v
		case "listen":
			cfg.ListenAddr = v
		case "sync-interval":
			// flag already validated the duration
			cfg.SyncInterval, _ = time.ParseDuration(v)
		case "call-timeout":
			cfg.CallTimeout, _ = time.ParseDuration(v)
		case "max-attempts":
			cfg.MaxAttempts, _ = strconv.Atoi(v)
		}
	})
	return cfg.Validate()
}

// ResolveDataDir returns the effective data directory by applying
// defaults and environment overrides, without reading any files.
func ResolveDataDir() (string, error) {
	cfg, err := Default()
	if err != nil {
		return "", err
	}
	if v := os.Getenv(dataDirEnv); v != "" {
		cfg.DataDir = v
	}
	return cfg.DataDir, nil
}

// SaveRemote persists the backend URL and token to the config
// file. An empty token leaves the stored one untouched.
func (c *Config) SaveRemote(remoteURL, token string) error {
	fields := map[string]any{"remote_url": remoteURL}
	if token != "" {
		fields["remote_token"] = token
	}
	if err := c.update(fields); err != nil {
		return err
	}
	c.RemoteURL = remoteURL
	if token != "" {
		c.RemoteToken = token
	}
	return nil
}

// update merges fields into config.json, preserving keys it
// does not know about.
func (c *Config) update(fields map[string]any) error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	for k, v := range fields {
		existing[k] = v
	}
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
