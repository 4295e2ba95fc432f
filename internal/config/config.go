package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agent-orchestrator/backend/pkg/models"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	DB          struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		Prefix    string `mapstructure:"prefix"`
		StreamLen int64  `mapstructure:"stream_len"`
	} `mapstructure:"redis"`
	Ledger struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"ledger"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Specialist   struct {
		Mode    string        `mapstructure:"mode"` // "bus" or "http"
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"specialist"`
	Escalation struct {
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"escalation"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Auth struct {
		Issuer        string `mapstructure:"issuer"`
		ClientID      string `mapstructure:"client_id"`
		ClientSecret  string `mapstructure:"client_secret"`
		RedirectURL   string `mapstructure:"redirect_url"`
		DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	} `mapstructure:"auth"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// OrchestratorConfig controls the timers and limits of the engine.
type OrchestratorConfig struct {
	ConcurrencyCeiling  int            `mapstructure:"concurrency_ceiling"`
	ScanInterval        time.Duration  `mapstructure:"scan_interval"`
	ProgressInterval    time.Duration  `mapstructure:"progress_interval"`
	HeartbeatInterval   time.Duration  `mapstructure:"heartbeat_interval"`
	ReconcileInterval   time.Duration  `mapstructure:"reconcile_interval"`
	MaxDuration         time.Duration  `mapstructure:"max_duration"`
	HeartbeatThreshold  time.Duration  `mapstructure:"heartbeat_threshold"`
	StateQueryTimeout   time.Duration  `mapstructure:"state_query_timeout"`
	MaxDepth            int            `mapstructure:"max_depth"`
	ConsumerGroup       string         `mapstructure:"consumer_group"`
	ConsumerName        string         `mapstructure:"consumer_name"`
	Stages              []models.Stage `mapstructure:"stages"`
	CritiqueStage       string         `mapstructure:"critique_stage"`
	ImplementationStage string         `mapstructure:"implementation_stage"`
	CompletionStage     string         `mapstructure:"completion_stage"`
}

// BreakerConfig controls admission control.
type BreakerConfig struct {
	WindowSize       int           `mapstructure:"window_size"`
	MinSamples       int           `mapstructure:"min_samples"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

// setDefaults registers a default for every key so that environment
// variables alone are enough to configure the service.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "orchestrator")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "orchestrator")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "orch")
	v.SetDefault("redis.stream_len", 10000)

	v.SetDefault("ledger.path", "./data/ledger.yaml")

	v.SetDefault("orchestrator.concurrency_ceiling", 5)
	v.SetDefault("orchestrator.scan_interval", 30*time.Second)
	v.SetDefault("orchestrator.progress_interval", time.Minute)
	v.SetDefault("orchestrator.heartbeat_interval", 5*time.Minute)
	v.SetDefault("orchestrator.reconcile_interval", 15*time.Minute)
	v.SetDefault("orchestrator.max_duration", 8*time.Hour)
	v.SetDefault("orchestrator.heartbeat_threshold", 30*time.Minute)
	v.SetDefault("orchestrator.state_query_timeout", 5*time.Second)
	v.SetDefault("orchestrator.max_depth", 3)
	v.SetDefault("orchestrator.consumer_group", "orchestrator")
	v.SetDefault("orchestrator.consumer_name", "orchestrator-1")
	v.SetDefault("orchestrator.critique_stage", models.StageCritique)
	v.SetDefault("orchestrator.implementation_stage", models.StageBackend)
	v.SetDefault("orchestrator.completion_stage", models.StageDeployment)

	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.min_samples", 5)
	v.SetDefault("breaker.failure_threshold", 0.5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.max_cooldown", 10*time.Minute)

	v.SetDefault("specialist.mode", "bus")
	v.SetDefault("specialist.url", "")
	v.SetDefault("specialist.timeout", 30*time.Second)

	v.SetDefault("escalation.log_path", "./data/escalations.jsonl")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "./data/tls/cert.pem")
	v.SetDefault("tls.key_file", "./data/tls/key.pem")
	v.SetDefault("tls.hostnames", []string{"localhost", "127.0.0.1"})

	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.dev_mode_bypass", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig loads the configuration from an optional file and the
// environment. Environment variables use the ORCH_ prefix, e.g.
// ORCH_ORCHESTRATOR_CONCURRENCY_CEILING=8.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(config.Orchestrator.Stages) == 0 {
		config.Orchestrator.Stages = models.DefaultStages()
	}
	for i, s := range config.Orchestrator.Stages {
		if s.Channel == "" {
			config.Orchestrator.Stages[i].Channel = models.DeliverableChannel(s.Name)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	o := c.Orchestrator
	var errs []error
	if o.ConcurrencyCeiling <= 0 {
		errs = append(errs, errors.New("orchestrator.concurrency_ceiling must be > 0"))
	}
	for name, d := range map[string]time.Duration{
		"scan_interval":       o.ScanInterval,
		"progress_interval":   o.ProgressInterval,
		"heartbeat_interval":  o.HeartbeatInterval,
		"reconcile_interval":  o.ReconcileInterval,
		"max_duration":        o.MaxDuration,
		"heartbeat_threshold": o.HeartbeatThreshold,
		"state_query_timeout": o.StateQueryTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("orchestrator.%s must be > 0", name))
		}
	}
	if o.MaxDepth <= 0 {
		errs = append(errs, errors.New("orchestrator.max_depth must be > 0"))
	}
	for _, name := range []string{o.CritiqueStage, o.ImplementationStage, o.CompletionStage} {
		if !hasStage(o.Stages, name) {
			errs = append(errs, fmt.Errorf("orchestrator: stage %q is not in the catalog", name))
		}
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be in (0, 1]"))
	}
	if c.Breaker.WindowSize <= 0 || c.Breaker.MinSamples <= 0 {
		errs = append(errs, errors.New("breaker.window_size and breaker.min_samples must be > 0"))
	}
	switch c.Specialist.Mode {
	case "bus":
	case "http":
		if c.Specialist.URL == "" {
			errs = append(errs, errors.New("specialist.url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("specialist.mode %q is not one of bus, http", c.Specialist.Mode))
	}
	return errors.Join(errs...)
}

// ConnString renders the Postgres DSN.
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func hasStage(stages []models.Stage, name string) bool {
	for _, s := range stages {
		if s.Name == name {
			return true
		}
	}
	return false
}
