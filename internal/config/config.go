package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/execution"
	"github.com/gregtusar/tradedesk/pkg/marketdata"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/preferences"
	"github.com/gregtusar/tradedesk/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Binance  BinanceConfig  `mapstructure:"binance"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
	Vault    VaultConfig    `mapstructure:"vault"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type BinanceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	AuthType          string        `mapstructure:"auth_type"` // "hmac" or "ed25519"
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"` // HMAC secret or Ed25519 private key PEM
	Testnet           bool          `mapstructure:"testnet"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RecvWindow        int           `mapstructure:"recv_window"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type StreamConfig struct {
	Backoff        time.Duration `mapstructure:"backoff"`
	ListenerBuffer int           `mapstructure:"listener_buffer"`
}

type TradingConfig struct {
	RiskType       string        `mapstructure:"risk_type"`
	SoftPercentage float64       `mapstructure:"soft_percentage"`
	HardPercentage float64       `mapstructure:"hard_percentage"`
	SoftQuote      float64       `mapstructure:"soft_quote"`
	HardQuote      float64       `mapstructure:"hard_quote"`
	Favorites      []string      `mapstructure:"favorites"`
	DynamicSymbol  string        `mapstructure:"dynamic_symbol"`
	OrderType      string        `mapstructure:"order_type"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollAttempts   int           `mapstructure:"poll_attempts"`
	FirstOffset    float64       `mapstructure:"first_offset"`
	RepriceOffset  float64       `mapstructure:"reprice_offset"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

type VaultConfig struct {
	Path           string `mapstructure:"path"`
	MasterPassword string `mapstructure:"master_password"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradedesk")
	}

	v.SetEnvPrefix("TRADEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)
	config.applyTestnet()

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("binance.base_url", binance.MainnetURL)
	v.SetDefault("binance.stream_url", binance.StreamURL)
	v.SetDefault("binance.auth_type", string(binance.AuthTypeHMAC))
	v.SetDefault("binance.testnet", false)
	v.SetDefault("binance.timeout", 10*time.Second)
	v.SetDefault("binance.recv_window", 5000)
	v.SetDefault("binance.requests_per_second", 10.0)
	v.SetDefault("binance.burst", 5)

	v.SetDefault("stream.backoff", 5*time.Second)
	v.SetDefault("stream.listener_buffer", 64)

	v.SetDefault("trading.risk_type", string(preferences.RiskPercentage))
	v.SetDefault("trading.soft_percentage", 0.10)
	v.SetDefault("trading.hard_percentage", 0.20)
	v.SetDefault("trading.soft_quote", 50.0)
	v.SetDefault("trading.hard_quote", 100.0)
	v.SetDefault("trading.favorites", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("trading.dynamic_symbol", "")
	v.SetDefault("trading.order_type", string(models.OrderTypeMarket))
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.poll_interval", time.Second)
	v.SetDefault("trading.poll_attempts", 5)
	v.SetDefault("trading.first_offset", 0.0001)
	v.SetDefault("trading.reprice_offset", 0.001)

	v.SetDefault("database.path", "./data/tradedesk.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.master_password", secretNames.MasterPassword)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)

	v.SetDefault("vault.path", "./data/credentials.vault")
	v.SetDefault("vault.master_password", "")
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}
	if authType := os.Getenv("BINANCE_AUTH_TYPE"); authType != "" {
		config.Binance.AuthType = authType
	}
	if os.Getenv("BINANCE_TESTNET") == "true" {
		config.Binance.Testnet = true
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Server.JWTSecret = secret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

// applyTestnet points both endpoints at the testnet unless they were
// overridden explicitly.
func (c *Config) applyTestnet() {
	if !c.Binance.Testnet {
		return
	}
	if c.Binance.BaseURL == "" || c.Binance.BaseURL == binance.MainnetURL {
		c.Binance.BaseURL = binance.TestnetURL
	}
	if c.Binance.StreamURL == "" || c.Binance.StreamURL == binance.StreamURL {
		c.Binance.StreamURL = binance.TestnetStreamURL
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Binance.APIKey == "" {
		config.Binance.APIKey = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.APIKey, "")
	}
	if config.Binance.APISecret == "" {
		config.Binance.APISecret = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.APISecret, "")
	}
	if config.Server.JWTSecret == "" {
		config.Server.JWTSecret = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.JWTSecret, "")
	}
	if config.Binance.APIKey == "" && config.Vault.MasterPassword == "" {
		config.Vault.MasterPassword = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.MasterPassword, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate checks values that would otherwise only fail deep inside a
// component.
func (c *Config) Validate() error {
	switch binance.AuthType(strings.ToLower(c.Binance.AuthType)) {
	case binance.AuthTypeHMAC, binance.AuthTypeEd25519:
	default:
		return fmt.Errorf("unsupported binance auth type %q", c.Binance.AuthType)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Trading.PollAttempts <= 0 {
		return fmt.Errorf("trading.poll_attempts must be positive, got %d", c.Trading.PollAttempts)
	}
	if c.Trading.PollInterval <= 0 {
		return fmt.Errorf("trading.poll_interval must be positive, got %s", c.Trading.PollInterval)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	return nil
}

// Preferences converts the trading section into provider settings.
func (t TradingConfig) Preferences() preferences.Settings {
	return preferences.Settings{
		Risk: preferences.RiskSettings{
			Type:           preferences.RiskType(strings.ToLower(t.RiskType)),
			SoftPercentage: decimal.NewFromFloat(t.SoftPercentage),
			HardPercentage: decimal.NewFromFloat(t.HardPercentage),
			SoftQuote:      decimal.NewFromFloat(t.SoftQuote),
			HardQuote:      decimal.NewFromFloat(t.HardQuote),
		},
		Favorites:     t.Favorites,
		DynamicSymbol: t.DynamicSymbol,
		OrderType:     models.OrderType(t.OrderType),
		QuoteAsset:    t.QuoteAsset,
	}
}

func (t TradingConfig) Execution() execution.Config {
	return execution.Config{
		PollInterval:  t.PollInterval,
		PollAttempts:  t.PollAttempts,
		FirstOffset:   decimal.NewFromFloat(t.FirstOffset),
		RepriceOffset: decimal.NewFromFloat(t.RepriceOffset),
	}
}

func (s StreamConfig) Manager(quoteAsset string) marketdata.Config {
	return marketdata.Config{
		Backoff:        s.Backoff,
		ListenerBuffer: s.ListenerBuffer,
		QuoteAsset:     quoteAsset,
	}
}

func (b BinanceConfig) Options() binance.Options {
	return binance.Options{
		BaseURL:           b.BaseURL,
		Timeout:           b.Timeout,
		RecvWindow:        b.RecvWindow,
		RequestsPerSecond: b.RequestsPerSecond,
		Burst:             b.Burst,
	}
}
