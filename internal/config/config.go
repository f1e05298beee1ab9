package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TASKORCH_"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Repository    RepositoryConfig    `toml:"repository"`
	Execution     ExecutionConfig     `toml:"execution"`
	Batch         BatchConfig         `toml:"batch"`
	GitHub        GitHubConfig        `toml:"github"`
	Web           WebConfig           `toml:"web"`
	Events        EventsConfig        `toml:"events"`
	Retention     RetentionConfig     `toml:"retention"`
	Notifications NotificationsConfig `toml:"notifications"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath  string `toml:"database_path"`
	ReposDir      string `toml:"repos_dir"`
	ParallelLimit int    `toml:"parallel_limit"`
}

// RepositoryConfig describes the repository tasks are executed against
type RepositoryConfig struct {
	FullName      string `toml:"full_name"`
	CloneURL      string `toml:"clone_url"`
	DefaultBranch string `toml:"default_branch"`
}

// ExecutionConfig holds sandbox and agent settings
type ExecutionConfig struct {
	Sandbox        string   `toml:"sandbox"`
	Agent          string   `toml:"agent"`
	Model          string   `toml:"model"`
	DockerImage    string   `toml:"docker_image"`
	TaskTimeout    Duration `toml:"task_timeout"`
	CancelGrace    Duration `toml:"cancel_grace"`
	GitConcurrency int      `toml:"git_concurrency"`
}

// BatchConfig holds batch defaults
type BatchConfig struct {
	MaxConcurrent    int    `toml:"max_concurrent"`
	MaxTasks         int    `toml:"max_tasks"`
	AutoApprove      bool   `toml:"auto_approve"`
	StopOnFailure    bool   `toml:"stop_on_failure"`
	ConflictBehavior string `toml:"conflict_behavior"`
}

// GitHubConfig holds pull request settings
type GitHubConfig struct {
	Token   string   `toml:"token"`
	APIURL  string   `toml:"api_url"`
	WebURL  string   `toml:"web_url"`
	Timeout Duration `toml:"timeout"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port      int    `toml:"port"`
	Host      string `toml:"host"`
	AuthToken string `toml:"auth_token"`
}

// EventsConfig holds event stream settings
type EventsConfig struct {
	Heartbeat         Duration `toml:"heartbeat"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	MaxRetries        int      `toml:"max_retries"`
	SubscriberBacklog int      `toml:"subscriber_backlog"`
}

// RetentionConfig controls the sweep of old terminal runs
type RetentionConfig struct {
	Schedule string   `toml:"schedule"`
	Keep     Duration `toml:"keep"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as a string like "30m" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:  filepath.Join(home, ".task-orchestrator", "orchestrator.db"),
			ReposDir:      filepath.Join(home, ".task-orchestrator", "repos"),
			ParallelLimit: 3,
		},
		Repository: RepositoryConfig{
			DefaultBranch: "main",
		},
		Execution: ExecutionConfig{
			Sandbox:        "process",
			Agent:          "opencode",
			DockerImage:    "ghcr.io/sst/opencode:latest",
			TaskTimeout:    Duration{30 * time.Minute},
			CancelGrace:    Duration{10 * time.Second},
			GitConcurrency: 4,
		},
		Batch: BatchConfig{
			MaxConcurrent:    3,
			MaxTasks:         20,
			ConflictBehavior: "skip",
		},
		GitHub: GitHubConfig{
			APIURL:  "https://api.github.com",
			WebURL:  "https://github.com",
			Timeout: Duration{15 * time.Second},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Events: EventsConfig{
			Heartbeat:         Duration{30 * time.Second},
			ReconnectDelay:    Duration{3 * time.Second},
			MaxRetries:        10,
			SubscriberBacklog: 1024,
		},
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
			Keep:     Duration{30 * 24 * time.Hour},
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// A .env file next to the working directory or the config file is loaded
// first, and TASKORCH_* variables override values from the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	envFiles := []string{".env"}
	if path != "" {
		envFiles = append(envFiles, filepath.Join(filepath.Dir(path), ".env"))
	}
	for _, f := range envFiles {
		// optional, and godotenv never overrides variables that are already set
		_ = godotenv.Load(f)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ReposDir = ExpandPath(cfg.General.ReposDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate rejects configurations the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.General.ParallelLimit < 1 {
		return fmt.Errorf("general.parallel_limit must be at least 1")
	}
	if c.Batch.MaxConcurrent < 1 {
		return fmt.Errorf("batch.max_concurrent must be at least 1")
	}
	if c.Batch.MaxTasks < 1 {
		return fmt.Errorf("batch.max_tasks must be at least 1")
	}
	switch c.Batch.ConflictBehavior {
	case "skip", "fail":
	default:
		return fmt.Errorf("batch.conflict_behavior must be skip or fail, got %q", c.Batch.ConflictBehavior)
	}
	switch c.Execution.Sandbox {
	case "process", "docker":
	default:
		return fmt.Errorf("execution.sandbox must be process or docker, got %q", c.Execution.Sandbox)
	}
	if c.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must not be negative")
	}
	return nil
}

// Addr returns the listen address of the HTTP API
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

func applyEnv(cfg *Config) {
	cfg.General.DatabasePath = getEnvString("DATABASE_PATH", cfg.General.DatabasePath)
	cfg.General.ReposDir = getEnvString("REPOS_DIR", cfg.General.ReposDir)
	cfg.General.ParallelLimit = getEnvInt("PARALLEL_LIMIT", cfg.General.ParallelLimit)

	cfg.Repository.FullName = getEnvString("REPOSITORY", cfg.Repository.FullName)
	cfg.Repository.CloneURL = getEnvString("CLONE_URL", cfg.Repository.CloneURL)
	cfg.Repository.DefaultBranch = getEnvString("DEFAULT_BRANCH", cfg.Repository.DefaultBranch)

	cfg.Execution.Sandbox = getEnvString("SANDBOX", cfg.Execution.Sandbox)
	cfg.Execution.Agent = getEnvString("AGENT", cfg.Execution.Agent)
	cfg.Execution.Model = getEnvString("MODEL", cfg.Execution.Model)
	cfg.Execution.TaskTimeout.Duration = getEnvDuration("TASK_TIMEOUT", cfg.Execution.TaskTimeout.Duration)
	cfg.Execution.CancelGrace.Duration = getEnvDuration("CANCEL_GRACE", cfg.Execution.CancelGrace.Duration)

	cfg.Batch.MaxConcurrent = getEnvInt("BATCH_MAX_CONCURRENT", cfg.Batch.MaxConcurrent)
	cfg.Batch.AutoApprove = getEnvBool("BATCH_AUTO_APPROVE", cfg.Batch.AutoApprove)
	cfg.Batch.StopOnFailure = getEnvBool("BATCH_STOP_ON_FAILURE", cfg.Batch.StopOnFailure)

	if tok, ok := os.LookupEnv("GITHUB_TOKEN"); ok && cfg.GitHub.Token == "" {
		cfg.GitHub.Token = tok
	}
	cfg.GitHub.Token = getEnvString("GITHUB_TOKEN", cfg.GitHub.Token)

	cfg.Web.Host = getEnvString("HOST", cfg.Web.Host)
	cfg.Web.Port = getEnvInt("PORT", cfg.Web.Port)
	cfg.Web.AuthToken = getEnvString("AUTH_TOKEN", cfg.Web.AuthToken)

	cfg.Notifications.SlackWebhook = getEnvString("SLACK_WEBHOOK", cfg.Notifications.SlackWebhook)

	cfg.Log.Level = getEnvString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvString("LOG_FORMAT", cfg.Log.Format)
}

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(EnvPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(EnvPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(EnvPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(EnvPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "task-orchestrator", "config.toml")
}
