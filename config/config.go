package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	Directory   DirectoryConfig
	Ranking     RankingConfig
	Refresh     RefreshConfig
	Logos       LogoConfig
	Scheduler   SchedulerConfig
	Worker      WorkerConfig
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	LogPath     string
	RegionsFile string
}

type DatabaseConfig struct {
	Driver     string // postgres or sqlite
	URL        string
	SQLitePath string
}

type RedisConfig struct {
	URL    string
	Prefix string
}

type DirectoryConfig struct {
	BaseURL        string
	APIKey         string
	Keyword        string
	PlaceType      string
	Delay          time.Duration
	PageTokenDelay time.Duration
	Timeout        time.Duration
	FetchDetails   bool
	MaxPages       int // 0 pages until the directory stops returning a token
}

// RankingConfig holds the composite score weights. They are relative; the engine
// divides by their sum.
type RankingConfig struct {
	RatingWeight       float64
	ReviewWeight       float64
	CompletenessWeight float64
}

type RefreshConfig struct {
	TopN  int
	Delay time.Duration
}

type LogoConfig struct {
	BatchSize int
	S3        S3Config
}

// S3Config holds configuration for S3-compatible storage. An empty bucket disables
// mirroring.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

type SchedulerConfig struct {
	ScrapeCron  string
	RankCron    string
	RefreshCron string
	LogoCron    string
}

type WorkerConfig struct {
	ClaimWait time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "geo_ranker.db")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("QUEUE_PREFIX", "geo_ranker")
	v.SetDefault("DIRECTORY_BASE_URL", "https://maps.googleapis.com/maps/api/place")
	v.SetDefault("DIRECTORY_KEYWORD", "dispensary")
	v.SetDefault("DIRECTORY_DELAY_MS", 1000)
	v.SetDefault("DIRECTORY_PAGE_TOKEN_DELAY_MS", 2000)
	v.SetDefault("DIRECTORY_TIMEOUT", "30s")
	v.SetDefault("DIRECTORY_FETCH_DETAILS", false)
	v.SetDefault("DIRECTORY_MAX_PAGES", 0)
	v.SetDefault("RANK_WEIGHT_RATING", 0.5)
	v.SetDefault("RANK_WEIGHT_REVIEWS", 0.3)
	v.SetDefault("RANK_WEIGHT_COMPLETENESS", 0.2)
	v.SetDefault("REFRESH_TOP_N", 100)
	v.SetDefault("REFRESH_DELAY_MS", 1000)
	v.SetDefault("LOGO_BATCH_SIZE", 50)
	v.SetDefault("S3_REGION", "auto")
	v.SetDefault("WORKER_CLAIM_WAIT", "2s")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("LOG_PATH", "geo_ranker.log")
	v.SetDefault("REGIONS_FILE", "config/regions.yaml")
	return v
}

// FromViper builds and validates a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("DB_DRIVER")),
			URL:        v.GetString("DATABASE_URL"),
			SQLitePath: v.GetString("SQLITE_PATH"),
		},
		Redis: RedisConfig{
			URL:    v.GetString("REDIS_URL"),
			Prefix: v.GetString("QUEUE_PREFIX"),
		},
		Directory: DirectoryConfig{
			BaseURL:        strings.TrimRight(v.GetString("DIRECTORY_BASE_URL"), "/"),
			APIKey:         v.GetString("DIRECTORY_API_KEY"),
			Keyword:        v.GetString("DIRECTORY_KEYWORD"),
			PlaceType:      v.GetString("DIRECTORY_PLACE_TYPE"),
			Delay:          millis(v.GetInt("DIRECTORY_DELAY_MS")),
			PageTokenDelay: millis(v.GetInt("DIRECTORY_PAGE_TOKEN_DELAY_MS")),
			Timeout:        v.GetDuration("DIRECTORY_TIMEOUT"),
			FetchDetails:   v.GetBool("DIRECTORY_FETCH_DETAILS"),
			MaxPages:       v.GetInt("DIRECTORY_MAX_PAGES"),
		},
		Ranking: RankingConfig{
			RatingWeight:       v.GetFloat64("RANK_WEIGHT_RATING"),
			ReviewWeight:       v.GetFloat64("RANK_WEIGHT_REVIEWS"),
			CompletenessWeight: v.GetFloat64("RANK_WEIGHT_COMPLETENESS"),
		},
		Refresh: RefreshConfig{
			TopN:  v.GetInt("REFRESH_TOP_N"),
			Delay: millis(v.GetInt("REFRESH_DELAY_MS")),
		},
		Logos: LogoConfig{
			BatchSize: v.GetInt("LOGO_BATCH_SIZE"),
			S3: S3Config{
				Bucket:          v.GetString("S3_BUCKET"),
				Region:          v.GetString("S3_REGION"),
				Endpoint:        v.GetString("S3_ENDPOINT"),
				AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
				SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
				PublicBaseURL:   strings.TrimRight(v.GetString("S3_PUBLIC_BASE_URL"), "/"),
			},
		},
		Scheduler: SchedulerConfig{
			ScrapeCron:  v.GetString("SCRAPE_CRON"),
			RankCron:    v.GetString("RANK_CRON"),
			RefreshCron: v.GetString("REFRESH_CRON"),
			LogoCron:    v.GetString("LOGO_CRON"),
		},
		Worker: WorkerConfig{
			ClaimWait: v.GetDuration("WORKER_CLAIM_WAIT"),
		},
		MetricsAddr: v.GetString("METRICS_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
		LogPath:     v.GetString("LOG_PATH"),
		RegionsFile: v.GetString("REGIONS_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}

	r := c.Ranking
	if r.RatingWeight < 0 || r.ReviewWeight < 0 || r.CompletenessWeight < 0 {
		return fmt.Errorf("ranking weights must not be negative")
	}
	if r.RatingWeight+r.ReviewWeight+r.CompletenessWeight == 0 {
		return fmt.Errorf("at least one ranking weight must be positive")
	}

	if c.Directory.Delay < 0 || c.Refresh.Delay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Directory.MaxPages < 0 {
		return fmt.Errorf("DIRECTORY_MAX_PAGES must not be negative")
	}
	if c.Refresh.TopN <= 0 {
		return fmt.Errorf("REFRESH_TOP_N must be positive")
	}
	if c.Worker.ClaimWait <= 0 {
		c.Worker.ClaimWait = 2 * time.Second
	}
	return nil
}

// RequireDirectory reports whether the directory client can be built.
func (c *Config) RequireDirectory() error {
	if c.Directory.APIKey == "" {
		return fmt.Errorf("DIRECTORY_API_KEY is not set")
	}
	return nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
