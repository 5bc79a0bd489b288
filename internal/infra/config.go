package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервиса сторожа.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Store    StoreConfig    `mapstructure:"store"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера админки.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig - отдельный листенер для Prometheus.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал инцидентов).
// Пустой URL - журнал пишется только в лог.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (хранилище, Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig выбирает бэкенд хранилища, за которым следит сторож.
type StoreConfig struct {
	Backend      string        `mapstructure:"backend"`       // memory, redis, sqlite
	SQLitePath   string        `mapstructure:"sqlite_path"`   // Для backend=sqlite
	PollInterval time.Duration `mapstructure:"poll_interval"` // Опрос PRAGMA data_version

	// Защита сетевого бэкенда (rate limit, retry, circuit breaker)
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// AuthConfig содержит пути к RSA ключам и учетку администратора.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	AdminUsername  string        `mapstructure:"admin_username"`
	AdminPassHash  string        `mapstructure:"admin_password_hash"` // bcrypt
	PublicKey      []byte
	PrivateKey     []byte
}

// WatchdogConfig - параметры детектора. Значения по умолчанию подобраны эмпирически,
// контрактом не являются.
type WatchdogConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	ViolationThreshold   int           `mapstructure:"violation_threshold"`
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	WipeCooldown         time.Duration `mapstructure:"wipe_cooldown"`
	MinCheckSpacing      time.Duration `mapstructure:"min_check_spacing"`
	RapidChangeWindow    time.Duration `mapstructure:"rapid_change_window"`
	RapidChangeThreshold int           `mapstructure:"rapid_change_threshold"`
	MissingSlotTolerance int           `mapstructure:"missing_slot_tolerance"`
	WatchedKeys          []string      `mapstructure:"watched_keys"`
	AccountsKey          string        `mapstructure:"accounts_key"`
	OwnerID              string        `mapstructure:"owner_id"`
	RedirectTarget       string        `mapstructure:"redirect_target"`
	ClientID             string        `mapstructure:"client_id"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	return load(v)
}

// LoadConfigFile читает конфиг из явного пути (флаг -config).
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. ENV перекрывает файл: WATCHDOG_GRACE_PERIOD=10s перекроет watchdog.grace_period
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

// Validate отсекает конфигурации, при которых сторож ведет себя бессмысленно.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return errors.New("config: store.sqlite_path is required for sqlite backend")
	}
	if c.Watchdog.ViolationThreshold < 1 {
		return fmt.Errorf("config: watchdog.violation_threshold must be >= 1, got %d", c.Watchdog.ViolationThreshold)
	}
	if c.Watchdog.CheckInterval <= 0 {
		return errors.New("config: watchdog.check_interval must be positive")
	}
	if len(c.Watchdog.WatchedKeys) == 0 {
		return errors.New("config: watchdog.watched_keys must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.poll_interval", 500*time.Millisecond)
	v.SetDefault("store.rate_limit", 100.0)
	v.SetDefault("store.rate_burst", 20)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.cb_timeout", 30*time.Second)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_password_hash", "")
	v.SetDefault("watchdog.check_interval", 5*time.Second)
	v.SetDefault("watchdog.violation_threshold", 3)
	v.SetDefault("watchdog.grace_period", 30*time.Second)
	v.SetDefault("watchdog.wipe_cooldown", 60*time.Second)
	v.SetDefault("watchdog.min_check_spacing", 3*time.Second)
	v.SetDefault("watchdog.rapid_change_window", 5*time.Second)
	v.SetDefault("watchdog.rapid_change_threshold", 50)
	v.SetDefault("watchdog.missing_slot_tolerance", 2)
	v.SetDefault("watchdog.watched_keys", []string{"accounts", "rooms", "settings"})
	v.SetDefault("watchdog.accounts_key", "accounts")
	v.SetDefault("watchdog.owner_id", "")
	v.SetDefault("watchdog.redirect_target", "loginnsignup.html")
	v.SetDefault("watchdog.client_id", "rooms-watchdog")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource - PEM из ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
