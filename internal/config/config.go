// Package config loads crewflow settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	URL      string `yaml:"url"` // full DSN, wins over the individual fields
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
}

// ConnString returns the Postgres DSN, or "" when the database is not
// configured.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Username == "" || d.Host == "" || d.Name == "" {
		return ""
	}
	port := d.Port
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", d.Username, d.Password, d.Host, port, d.Name)
}

type QueueConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Key       string `yaml:"key"`
}

type WorkerConfig struct {
	Executable   string        `yaml:"executable"` // empty: resolved from Dir
	Script       string        `yaml:"script"`
	Dir          string        `yaml:"dir"`
	APIKey       string        `yaml:"-"` // environment only
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	Concurrency  int           `yaml:"concurrency"`
}

type JobConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // zero: only the worker timeout applies
}

type ArchiveConfig struct {
	Type   string `yaml:"type"` // none, local or s3
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

type Config struct {
	Database      DatabaseConfig `yaml:"database"`
	Queue         QueueConfig    `yaml:"queue"`
	HTTPPort      string         `yaml:"http_port"`
	Worker        WorkerConfig   `yaml:"worker"`
	Job           JobConfig      `yaml:"job"`
	Archive       ArchiveConfig  `yaml:"archive"`
	MockStepDelay time.Duration  `yaml:"mock_step_delay"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Port: "5432"},
		Queue:    QueueConfig{RedisAddr: "localhost:6379", Key: "crewflow:executions"},
		HTTPPort: "8080",
		Worker: WorkerConfig{
			Script:       "bridge.py",
			Dir:          "python",
			DefaultModel: "gpt-4o-mini",
			Timeout:      600 * time.Second,
			Concurrency:  2,
		},
		Job:     JobConfig{MaxAttempts: 2, Backoff: 30 * time.Second},
		Archive: ArchiveConfig{Type: "none"},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then
// applies the environment. A .env file in the working directory is loaded
// into the environment first when present.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATABASE_URL":         &c.Database.URL,
		"DB_USERNAME":          &c.Database.Username,
		"DB_PASSWORD":          &c.Database.Password,
		"DB_HOST":              &c.Database.Host,
		"DB_PORT":              &c.Database.Port,
		"DB_NAME":              &c.Database.Name,
		"REDIS_ADDR":           &c.Queue.RedisAddr,
		"QUEUE_KEY":            &c.Queue.Key,
		"HTTP_PORT":            &c.HTTPPort,
		"WORKER_PATH":          &c.Worker.Executable,
		"WORKER_SCRIPT":        &c.Worker.Script,
		"WORKER_DIR":           &c.Worker.Dir,
		"OPENAI_API_KEY":       &c.Worker.APIKey,
		"OPENAI_DEFAULT_MODEL": &c.Worker.DefaultModel,
		"ARCHIVE_TYPE":         &c.Archive.Type,
		"ARCHIVE_PATH":         &c.Archive.Path,
		"ARCHIVE_BUCKET":       &c.Archive.Bucket,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"EXECUTION_TIMEOUT":   &c.Worker.Timeout,
		"JOB_BACKOFF":         &c.Job.Backoff,
		"JOB_ATTEMPT_TIMEOUT": &c.Job.AttemptTimeout,
		"MOCK_STEP_DELAY":     &c.MockStepDelay,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*dst = d
	}

	ints := map[string]*int{
		"JOB_MAX_ATTEMPTS":   &c.Job.MaxAttempts,
		"WORKER_CONCURRENCY": &c.Worker.Concurrency,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		*dst = n
	}
	return nil
}

// parseDuration accepts Go durations and plain seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	if c.Worker.Timeout <= 0 {
		return errors.New("worker timeout must be positive")
	}
	if c.Job.MaxAttempts < 1 {
		return errors.New("job max attempts must be at least 1")
	}
	if c.Job.Backoff < 0 {
		return errors.New("job backoff cannot be negative")
	}
	if c.Job.AttemptTimeout < 0 {
		return errors.New("job attempt timeout cannot be negative")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker concurrency must be at least 1")
	}
	switch c.Archive.Type {
	case "", "none":
	case "local":
		if c.Archive.Path == "" {
			return errors.New("ARCHIVE_PATH is required for the local archive")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			return errors.New("ARCHIVE_BUCKET is required for the s3 archive")
		}
	default:
		return errors.Errorf("unknown archive type %q", c.Archive.Type)
	}
	return nil
}
