package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"
)

// DefaultPath is where the CLI keeps its config when --config is not given.
const DefaultPath = "queue_config.json"

var (
	ErrUnknownKey   = errors.New("unknown config key")
	ErrInvalidValue = errors.New("invalid config value")
)

type Config struct {
	MaxRetries             int     `json:"max_retries"`
	BackoffBase            int     `json:"backoff_base"`
	JobTimeoutSeconds      int     `json:"job_timeout_seconds"`
	LockTimeoutSeconds     int     `json:"lock_timeout_seconds"`
	DBPath                 string  `json:"db_path"`
	PollIntervalMS         int     `json:"poll_interval_ms"`
	ShutdownTimeoutSeconds int     `json:"shutdown_timeout_seconds"`
	ClaimRate              float64 `json:"claim_rate"`
}

func Default() *Config {
	return &Config{
		MaxRetries:             3,
		BackoffBase:            2,
		JobTimeoutSeconds:      300,
		LockTimeoutSeconds:     60,
		DBPath:                 "queue.db",
		PollIntervalMS:         1000,
		ShutdownTimeoutSeconds: 10,
	}
}

// Load reads the config file at path. A missing file yields the defaults;
// keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate rejects values the queue cannot run with.
// lock_timeout_seconds is deliberately not checked against
// job_timeout_seconds; see LeaseHazard.
func (c *Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidValue)
	case c.BackoffBase < 1:
		return fmt.Errorf("%w: backoff_base must be >= 1", ErrInvalidValue)
	case c.JobTimeoutSeconds <= 0:
		return fmt.Errorf("%w: job_timeout_seconds must be > 0", ErrInvalidValue)
	case c.LockTimeoutSeconds <= 0:
		return fmt.Errorf("%w: lock_timeout_seconds must be > 0", ErrInvalidValue)
	case c.PollIntervalMS <= 0:
		return fmt.Errorf("%w: poll_interval_ms must be > 0", ErrInvalidValue)
	case c.ShutdownTimeoutSeconds < 0:
		return fmt.Errorf("%w: shutdown_timeout_seconds must be >= 0", ErrInvalidValue)
	case c.ClaimRate < 0:
		return fmt.Errorf("%w: claim_rate must be >= 0", ErrInvalidValue)
	}
	return nil
}

// LeaseHazard reports whether a job can legitimately run longer than its
// lease, in which case recovery may reclaim it while it is still executing.
func (c *Config) LeaseHazard() bool {
	return c.LockTimeoutSeconds <= c.JobTimeoutSeconds
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func intField(p func(c *Config) *int) field {
	return field{
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, v)
			}
			*p(c) = n
			return nil
		},
	}
}

var fields = map[string]field{
	"max_retries":              intField(func(c *Config) *int { return &c.MaxRetries }),
	"backoff_base":             intField(func(c *Config) *int { return &c.BackoffBase }),
	"job_timeout_seconds":      intField(func(c *Config) *int { return &c.JobTimeoutSeconds }),
	"lock_timeout_seconds":     intField(func(c *Config) *int { return &c.LockTimeoutSeconds }),
	"poll_interval_ms":         intField(func(c *Config) *int { return &c.PollIntervalMS }),
	"shutdown_timeout_seconds": intField(func(c *Config) *int { return &c.ShutdownTimeoutSeconds }),
	"db_path": {
		get: func(c *Config) string { return c.DBPath },
		set: func(c *Config, v string) error {
			if v == "" {
				return fmt.Errorf("%w: db_path must not be empty", ErrInvalidValue)
			}
			c.DBPath = v
			return nil
		},
	},
	"claim_rate": {
		get: func(c *Config) string { return strconv.FormatFloat(c.ClaimRate, 'g', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, v)
			}
			c.ClaimRate = f
			return nil
		},
	},
}

// Keys returns the recognized option names, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return f.get(c), nil
}

// Set parses value into key. The config is left untouched when the result
// would not validate.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	next := *c
	if err := f.set(&next, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
