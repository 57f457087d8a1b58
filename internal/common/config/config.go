package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Kafka       KafkaConfig
	Marketplace MarketplaceConfig
	Storefront  StorefrontConfig
	SMTP        SMTPConfig
	Mirror      MirrorConfig
	Rules       BusinessRules
	LogLevel    string
	Environment string
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig represents the database configuration
type DatabaseConfig struct {
	Host                   string
	Port                   int
	Username               string
	Password               string
	DBName                 string
	MaxIdleConns           int
	MaxOpenConns           int
	ConnMaxLifetimeMinutes int
}

// KafkaConfig represents the Kafka configuration
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	MetricsTopic  string
	AlertsTopic   string
}

// MarketplaceConfig represents the marketplace API configuration
type MarketplaceConfig struct {
	BaseURL        string
	PublicURL      string
	SiteID         string
	AppID          string
	SecretKey      string
	AccessToken    string
	RefreshToken   string
	UserAgent      string
	RequestTimeout time.Duration
}

// StorefrontConfig represents the storefront API configuration
type StorefrontConfig struct {
	ShopURL        string
	AccessToken    string
	APIVersion     string
	LocationID     string
	RequestTimeout time.Duration
}

// SMTPConfig represents the email notification configuration
type SMTPConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	NotificationEmail string
}

// MirrorConfig represents the spreadsheet mirror configuration
type MirrorConfig struct {
	Dir        string
	MaxActions int
}

// BusinessRules holds every pricing and optimization threshold. It is
// populated once in LoadConfig and passed by value into the decision
// functions; nothing reads these values from ambient state.
type BusinessRules struct {
	CommissionPercentage  float64
	IVAPercentage         float64
	ISRPercentage         float64
	MinMarginPercentage   float64
	IdealMarginPercentage float64

	ScoreAutoPublish   int
	ScoreNeedsApproval int

	PauseNoSalesDays int
	PauseMinVisits   int
	PauseMinCTR      float64

	PriceReductionPercentage float64

	AdsMinSales  int
	AdsMinMargin float64
	AdsMinCTR    float64
	AdsMinROAS   float64

	ScaleMinSales7Days int
	ScaleMinConversion float64
	ScaleMinStock      int

	ABTestMinDuration time.Duration
	ABTestMinVisits   int
	ABTestMinSales    int
}

// LoadConfig loads the application configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  time.Duration(getEnvAsInt("SERVER_READ_TIMEOUT", 15)) * time.Second,
			WriteTimeout: time.Duration(getEnvAsInt("SERVER_WRITE_TIMEOUT", 15)) * time.Second,
			IdleTimeout:  time.Duration(getEnvAsInt("SERVER_IDLE_TIMEOUT", 60)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:                   getEnv("DB_HOST", "localhost"),
			Port:                   getEnvAsInt("DB_PORT", 5432),
			Username:               getEnv("DB_USER", "postgres"),
			Password:               getEnv("DB_PASSWORD", "postgres"),
			DBName:                 getEnv("DB_NAME", "sellforge"),
			MaxIdleConns:           getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:           getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetimeMinutes: getEnvAsInt("DB_CONN_MAX_LIFETIME", 30),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "sellforge-engine"),
			MetricsTopic:  getEnv("KAFKA_METRICS_TOPIC", "listing-metrics"),
			AlertsTopic:   getEnv("KAFKA_ALERTS_TOPIC", "engine-alerts"),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:        getEnv("MARKETPLACE_API_URL", "https://api.mercadolibre.com"),
			PublicURL:      getEnv("MARKETPLACE_PUBLIC_URL", "https://listado.mercadolibre.com.mx"),
			SiteID:         getEnv("MARKETPLACE_SITE_ID", "MLM"),
			AppID:          getEnv("MARKETPLACE_APP_ID", ""),
			SecretKey:      getEnv("MARKETPLACE_SECRET_KEY", ""),
			AccessToken:    getEnv("MARKETPLACE_ACCESS_TOKEN", ""),
			RefreshToken:   getEnv("MARKETPLACE_REFRESH_TOKEN", ""),
			UserAgent:      getEnv("MARKETPLACE_USER_AGENT", "sellforge-engine/1.0"),
			RequestTimeout: time.Duration(getEnvAsInt("MARKETPLACE_REQUEST_TIMEOUT", 30)) * time.Second,
		},
		Storefront: StorefrontConfig{
			ShopURL:        getEnv("STOREFRONT_SHOP_URL", ""),
			AccessToken:    getEnv("STOREFRONT_ACCESS_TOKEN", ""),
			APIVersion:     getEnv("STOREFRONT_API_VERSION", "2024-01"),
			LocationID:     getEnv("STOREFRONT_LOCATION_ID", ""),
			RequestTimeout: time.Duration(getEnvAsInt("STOREFRONT_REQUEST_TIMEOUT", 30)) * time.Second,
		},
		SMTP: SMTPConfig{
			Host:              getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:              getEnvAsInt("SMTP_PORT", 587),
			Username:          getEnv("SMTP_USER", ""),
			Password:          getEnv("SMTP_PASSWORD", ""),
			NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		},
		Mirror: MirrorConfig{
			Dir:        getEnv("MIRROR_DIR", "./snapshots"),
			MaxActions: getEnvAsInt("MIRROR_MAX_ACTIONS", 100),
		},
		Rules:       loadBusinessRules(),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	return config, nil
}

func loadBusinessRules() BusinessRules {
	return BusinessRules{
		CommissionPercentage:  getEnvAsFloat("COMMISSION_PERCENTAGE", 13.0),
		IVAPercentage:         getEnvAsFloat("IVA_PERCENTAGE", 16.0),
		ISRPercentage:         getEnvAsFloat("ISR_PERCENTAGE", 1.0),
		MinMarginPercentage:   getEnvAsFloat("MIN_MARGIN_PERCENTAGE", 30.0),
		IdealMarginPercentage: getEnvAsFloat("IDEAL_MARGIN_PERCENTAGE", 40.0),

		ScoreAutoPublish:   getEnvAsInt("SCORE_AUTO_PUBLISH", 80),
		ScoreNeedsApproval: getEnvAsInt("SCORE_NEEDS_APPROVAL", 50),

		PauseNoSalesDays: getEnvAsInt("PAUSE_NO_SALES_DAYS", 14),
		PauseMinVisits:   getEnvAsInt("PAUSE_MIN_VISITS", 50),
		PauseMinCTR:      getEnvAsFloat("PAUSE_MIN_CTR", 0.5),

		PriceReductionPercentage: getEnvAsFloat("PRICE_REDUCTION_PERCENTAGE", 5.0),

		AdsMinSales:  getEnvAsInt("ADS_MIN_SALES", 5),
		AdsMinMargin: getEnvAsFloat("ADS_MIN_MARGIN", 35.0),
		AdsMinCTR:    getEnvAsFloat("ADS_MIN_CTR", 1.5),
		AdsMinROAS:   getEnvAsFloat("ADS_MIN_ROAS", 3.0),

		ScaleMinSales7Days: getEnvAsInt("SCALE_MIN_SALES_7DAYS", 10),
		ScaleMinConversion: getEnvAsFloat("SCALE_MIN_CONVERSION", 2.5),
		ScaleMinStock:      getEnvAsInt("SCALE_MIN_STOCK", 20),

		ABTestMinDuration: time.Duration(getEnvAsInt("AB_TEST_DURATION_DAYS", 7)) * 24 * time.Hour,
		ABTestMinVisits:   getEnvAsInt("AB_TEST_MIN_VISITS", 100),
		ABTestMinSales:    getEnvAsInt("AB_TEST_MIN_SALES", 5),
	}
}

// Helper functions to get environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, fmt.Sprintf("%d", defaultValue))
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
