package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	redisURL          = "REDIS_URL"
	adminIDsENV       = "ADMIN_IDS"
	logLevelENV       = "LOG_LEVEL"

	executorWorkersENV     = "EXECUTOR_WORKERS"
	executorQueueSizeENV   = "EXECUTOR_QUEUE_SIZE"
	executorTaskTimeoutENV = "EXECUTOR_TASK_TIMEOUT"
	inlineMaxENV           = "DISTRIBUTION_INLINE_MAX"
	concurrencyENV         = "DISTRIBUTION_CONCURRENCY"
)

// Config ...
type Config struct {
	Telegram struct {
		Token string `yaml:"token"`
	} `yaml:"telegram"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MinConns int32  `yaml:"min_conns"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`
	Service struct {
		Name      string `yaml:"name"`
		Host      string `yaml:"host"`
		AdminPort int    `yaml:"admin_port"`
		LogLevel  string `yaml:"log_level"`
	} `yaml:"service"`
	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"tracing"`

	// Кто может слать отчёты о сделках и админские команды
	Admins []int64 `yaml:"admins"`

	Resilience   Resilience   `yaml:"resilience"`
	Executor     Executor     `yaml:"executor"`
	Distribution Distribution `yaml:"distribution"`
}

// Resilience — обёртка над хранилищем
type Resilience struct {
	FailureThreshold int           `yaml:"failure_threshold"` // сколько подряд проваленных вызовов до Unhealthy
	Retries          int           `yaml:"retries"`           // повторов сверх первой попытки
	RetryDelay       time.Duration `yaml:"retry_delay"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	CheckInterval    time.Duration `yaml:"check_interval"`
}

// Executor — фоновые воркеры
type Executor struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// Distribution — раздача результата по участникам
type Distribution struct {
	InlineMax   int `yaml:"inline_max"`  // до скольки участников считаем прямо в запросе
	Concurrency int `yaml:"concurrency"` // параллельных записей в рамках одной раздачи
}

func Default() *Config {
	cfg := &Config{
		Resilience: Resilience{
			FailureThreshold: 10,
			Retries:          2,
			RetryDelay:       time.Second,
			CallTimeout:      5 * time.Second,
			CheckInterval:    60 * time.Second,
		},
		Executor: Executor{
			Workers:     4,
			QueueSize:   128,
			TaskTimeout: 2 * time.Minute,
		},
		Distribution: Distribution{
			InlineMax:   5,
			Concurrency: 8,
		},
	}
	cfg.Service.Name = "copytrade_bot"
	cfg.Service.Host = "0.0.0.0"
	cfg.Service.AdminPort = 8080
	cfg.Service.LogLevel = "info"
	cfg.Redis.CacheTTL = 30 * time.Second
	cfg.Tracing.Host = "localhost"
	cfg.Tracing.Port = 6831
	return cfg
}

func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	configFileName := getenvDefault(configFilePathENV, "values_local.yaml")
	path := filepath.Join(getenvDefault(configDirENV, "configs"), configFileName)

	config := Default()
	if err := config.loadFile(path); err != nil {
		return nil, err
	}
	config.applyEnv(viper.New())

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open config file %s", path)
	}
	defer func() {
		_ = file.Close()
	}()

	if err := yaml.NewDecoder(file).Decode(c); err != nil {
		return errors.Wrapf(err, "decode config file %s", path)
	}
	return nil
}

// applyEnv — переменные окружения перекрывают файл.
func (c *Config) applyEnv(v *viper.Viper) {
	v.AutomaticEnv()

	if token := v.GetString(tokenTelegramENV); token != "" {
		c.Telegram.Token = token
	}
	if dsn := v.GetString(databaseDSN); dsn != "" {
		c.DB.DSN = dsn
	}
	if url := v.GetString(redisURL); url != "" {
		c.Redis.URL = url
	}
	if lvl := v.GetString(logLevelENV); lvl != "" {
		c.Service.LogLevel = lvl
	}
	if raw := v.GetString(adminIDsENV); raw != "" {
		c.Admins = parseIDs(raw)
	}

	intFromEnv(v, executorWorkersENV, &c.Executor.Workers)
	intFromEnv(v, executorQueueSizeENV, &c.Executor.QueueSize)
	durationFromEnv(v, executorTaskTimeoutENV, &c.Executor.TaskTimeout)
	intFromEnv(v, inlineMaxENV, &c.Distribution.InlineMax)
	intFromEnv(v, concurrencyENV, &c.Distribution.Concurrency)
}

func (c *Config) Validate() error {
	r := c.Resilience
	if r.FailureThreshold <= 0 {
		return errors.New("resilience.failure_threshold must be > 0")
	}
	if r.Retries < 0 {
		return errors.New("resilience.retries must be >= 0")
	}
	if r.CallTimeout <= 0 || r.CheckInterval <= 0 {
		return errors.New("resilience.call_timeout and resilience.check_interval must be > 0")
	}
	if c.Executor.Workers <= 0 || c.Executor.QueueSize <= 0 {
		return errors.New("executor.workers and executor.queue_size must be > 0")
	}
	if c.Distribution.Concurrency <= 0 {
		return errors.New("distribution.concurrency must be > 0")
	}
	return nil
}

// IsAdmin — см. Authorizer
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.Admins {
		if a == id {
			return true
		}
	}
	return false
}

func parseIDs(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// intFromEnv перекрывает dst, только если переменная задана и это число.
func intFromEnv(v *viper.Viper, key string, dst *int) {
	raw := v.GetString(key)
	if raw == "" {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(v *viper.Viper, key string, dst *time.Duration) {
	raw := v.GetString(key)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
