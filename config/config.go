package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duration is a time.Duration read from a JSON string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare numbers are seconds
		var secs int64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for the fetchmate daemon and CLI.
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Provider  ProviderConfig  `json:"provider"`
	Transfer  TransferConfig  `json:"transfer"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Defaults  JobDefaults     `json:"defaults"`
	Notify    NotifyConfig    `json:"notify"`
	Server    ServerConfig    `json:"server"`
}

type DatabaseConfig struct {
	// Driver is one of sqlite (pure Go), sqlite3 (cgo) or postgres.
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type ProviderConfig struct {
	RPCURL string `json:"rpc_url"`
	// Secret is the provider credential; the scheduler refuses to tick without it.
	Secret string `json:"secret,omitempty"`
	// RemoteDir is where the provider stores items.
	RemoteDir string `json:"remote_dir"`
	// LocatorBase is prefixed to a file's provider-relative path to form its
	// locator: an http(s) URL or an rclone remote such as "seedbox:downloads".
	LocatorBase string   `json:"locator_base"`
	Timeout     Duration `json:"timeout"`
}

type TransferConfig struct {
	// Kind is the default transfer kind of new jobs: http, aria2, rclone or symlink.
	Kind         string `json:"kind"`
	BasePath     string `json:"base_path"`
	MountPath    string `json:"mount_path,omitempty"`
	MaxTransfers int    `json:"max_transfers"`
	MaxUnpacks   int    `json:"max_unpacks"`
	// StartDelay is inserted between successive worker starts within one tick.
	StartDelay Duration `json:"start_delay"`
	// ChunkSize is the byte range requested per http chunk.
	ChunkSize int64 `json:"chunk_size"`
	// Aria2RPCURL is the local aria2 daemon used by the aria2 transfer kind.
	Aria2RPCURL string `json:"aria2_rpc_url,omitempty"`
	Aria2Secret string `json:"aria2_secret,omitempty"`
	// RetryAttempts bounds the request retries inside one http or rclone
	// transfer, before the unit-level retry policy applies.
	RetryAttempts int `json:"retry_attempts"`
	// RcloneRemotes defines rclone remotes inline, keyed by remote name.
	// Each needs a "type"; remotes not listed here come from rclone.conf.
	RcloneRemotes map[string]map[string]string `json:"rclone_remotes,omitempty"`
}

type SchedulerConfig struct {
	Interval Duration `json:"interval"`
}

type JobDefaults struct {
	SelectionMode        string `json:"selection_mode"`
	IncludeRegex         string `json:"include_regex,omitempty"`
	ExcludeRegex         string `json:"exclude_regex,omitempty"`
	MinFileSizeMB        int64  `json:"min_file_size_mb"`
	TransferPolicy       string `json:"transfer_policy"`
	FinalizeAction       string `json:"finalize_action"`
	Category             string `json:"category,omitempty"`
	RetryAttempts        int    `json:"retry_attempts"`
	UnitRetryAttempts    int    `json:"unit_retry_attempts"`
	LifetimeMinutes      int    `json:"lifetime_minutes"`
	DeleteOnErrorMinutes int    `json:"delete_on_error_minutes"`
}

type NotifyConfig struct {
	RedisURL     string `json:"redis_url,omitempty"`
	RedisChannel string `json:"redis_channel,omitempty"`
	// OnComplete is a command run after a job completes.
	OnComplete string `json:"on_complete,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "fetchmate.db",
		},
		Provider: ProviderConfig{
			RPCURL:  "http://localhost:6800/jsonrpc",
			Timeout: Duration(30 * time.Second),
		},
		Transfer: TransferConfig{
			Kind:          "http",
			MaxTransfers:  2,
			MaxUnpacks:    1,
			StartDelay:    Duration(time.Second),
			ChunkSize:     8 << 20,
			Aria2RPCURL:   "http://localhost:6800/jsonrpc",
			RetryAttempts: 3,
		},
		Scheduler: SchedulerConfig{
			Interval: Duration(5 * time.Second),
		},
		Defaults: JobDefaults{
			SelectionMode:     "all",
			TransferPolicy:    "all",
			FinalizeAction:    "none",
			RetryAttempts:     1,
			UnitRetryAttempts: 3,
		},
		Notify: NotifyConfig{
			RedisChannel: "fetchmate:jobs",
		},
		Server: ServerConfig{
			Addr: ":6500",
		},
	}
}

var (
	validKinds     = map[string]bool{"http": true, "aria2": true, "rclone": true, "symlink": true}
	validModes     = map[string]bool{"all": true, "available": true, "manual": true, "filter": true}
	validPolicies  = map[string]bool{"all": true, "none": true}
	validFinalizes = map[string]bool{"none": true, "remove-all": true, "remove-provider": true, "remove-local": true}
	validDrivers   = map[string]bool{"sqlite": true, "sqlite3": true, "postgres": true}
)

// Load reads the JSON config at path (a missing file means defaults), loads
// envFile into the environment when it exists, applies FETCHMATE_* overrides
// and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = envString("FETCHMATE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envString("FETCHMATE_DB_DSN", c.Database.DSN)
	c.Provider.RPCURL = envString("FETCHMATE_PROVIDER_URL", c.Provider.RPCURL)
	c.Provider.Secret = envString("FETCHMATE_PROVIDER_SECRET", c.Provider.Secret)
	c.Provider.RemoteDir = envString("FETCHMATE_PROVIDER_DIR", c.Provider.RemoteDir)
	c.Provider.LocatorBase = envString("FETCHMATE_LOCATOR_BASE", c.Provider.LocatorBase)
	c.Transfer.Kind = envString("FETCHMATE_TRANSFER_KIND", c.Transfer.Kind)
	c.Transfer.BasePath = envString("FETCHMATE_BASE_PATH", c.Transfer.BasePath)
	c.Transfer.MountPath = envString("FETCHMATE_MOUNT_PATH", c.Transfer.MountPath)
	c.Transfer.MaxTransfers = envInt("FETCHMATE_MAX_TRANSFERS", c.Transfer.MaxTransfers)
	c.Transfer.MaxUnpacks = envInt("FETCHMATE_MAX_UNPACKS", c.Transfer.MaxUnpacks)
	c.Transfer.Aria2Secret = envString("FETCHMATE_ARIA2_SECRET", c.Transfer.Aria2Secret)
	c.Notify.RedisURL = envString("FETCHMATE_REDIS_URL", c.Notify.RedisURL)
	c.Server.Addr = envString("FETCHMATE_ADDR", c.Server.Addr)
}

// Validate checks enum values and required fields.
func (c *Config) Validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of sqlite, sqlite3, postgres; got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if !strings.HasPrefix(c.Provider.RPCURL, "http://") && !strings.HasPrefix(c.Provider.RPCURL, "https://") {
		return fmt.Errorf("provider.rpc_url must start with http:// or https://, got %q", c.Provider.RPCURL)
	}
	if !validKinds[c.Transfer.Kind] {
		return fmt.Errorf("transfer.kind must be one of http, aria2, rclone, symlink; got %q", c.Transfer.Kind)
	}
	if c.Transfer.Kind == "symlink" && c.Transfer.MountPath == "" {
		return fmt.Errorf("transfer.mount_path is required when transfer.kind is symlink")
	}
	if !validModes[c.Defaults.SelectionMode] {
		return fmt.Errorf("defaults.selection_mode must be one of all, available, manual, filter; got %q", c.Defaults.SelectionMode)
	}
	if !validPolicies[c.Defaults.TransferPolicy] {
		return fmt.Errorf("defaults.transfer_policy must be all or none; got %q", c.Defaults.TransferPolicy)
	}
	if !validFinalizes[c.Defaults.FinalizeAction] {
		return fmt.Errorf("defaults.finalize_action must be one of none, remove-all, remove-provider, remove-local; got %q", c.Defaults.FinalizeAction)
	}
	if c.Defaults.RetryAttempts < 0 || c.Defaults.UnitRetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	if c.Defaults.LifetimeMinutes < 0 || c.Defaults.DeleteOnErrorMinutes < 0 {
		return fmt.Errorf("lifetime and delete-on-error minutes must not be negative")
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	if c.Transfer.RetryAttempts < 0 {
		return fmt.Errorf("transfer.retry_attempts must not be negative")
	}
	for name, remote := range c.Transfer.RcloneRemotes {
		if remote["type"] == "" {
			return fmt.Errorf("transfer.rclone_remotes.%s needs a type", name)
		}
	}
	if c.Scheduler.Interval.Std() <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	return nil
}

// MaxTransfers returns the transfer cap, never below 1.
func (c *Config) MaxTransfers() int {
	return max(c.Transfer.MaxTransfers, 1)
}

// MaxUnpacks returns the unpack cap, never below 1.
func (c *Config) MaxUnpacks() int {
	return max(c.Transfer.MaxUnpacks, 1)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
