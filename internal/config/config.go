package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	CookieSecure      bool

	// Search backend
	SearchBackendURL     string
	SearchBackendTimeout time.Duration
	SearchStoryIndex     string
	SearchFeedIndex      string
	SearchFeedCap        int

	// Worker
	WorkerMetricsPort string

	// searchd
	SearchdPort   string
	SearchDataDir string

	// Indexing
	IndexChunkSize int

	// Task queue
	TaskConcurrency  int
	TaskPollInterval time.Duration
	TaskVisibility   time.Duration
	TaskMaxAttempts  int
	TaskRetention    time.Duration

	// Discovery
	DiscoveryInterval       time.Duration
	DiscoveryMinSubscribers int
	DiscoveryCacheSize      int
	DiscoveryCacheTTL       time.Duration

	// Rate Limit
	RateLimitSearch  int
	RateLimitReindex int

	// Logging
	LogLevel string
}

// ErrDatabaseURLMissing はDATABASE_URLが未設定の場合に返される。
var ErrDatabaseURLMissing = errors.New("required environment variables are not set: [DATABASE_URL]")

// Load は環境変数からConfigを読み込む。
// CONFIG_FILEが指定されている場合はYAMLファイルの値を環境変数の既定値として扱う。
// 実際の環境変数はファイルの値より優先される。
func Load() (*Config, error) {
	overlay, err := loadOverlay(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	env := envSource{overlay: overlay}

	cfg := &Config{}
	cfg.DatabaseURL = env.getString("DATABASE_URL", "")
	cfg.ServerPort = env.getString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = env.getString("CORS_ALLOWED_ORIGIN", "")
	cfg.CookieSecure = env.getBool("COOKIE_SECURE", true)

	cfg.SearchBackendURL = env.getString("SEARCH_BACKEND_URL", "http://localhost:9200")
	cfg.SearchBackendTimeout = env.getDuration("SEARCH_BACKEND_TIMEOUT", 5*time.Second)
	cfg.SearchStoryIndex = env.getString("SEARCH_STORY_INDEX", "stories-index")
	cfg.SearchFeedIndex = env.getString("SEARCH_FEED_INDEX", "feeds-index")
	cfg.SearchFeedCap = env.getInt("SEARCH_FEED_CAP", 2000)

	cfg.WorkerMetricsPort = env.getString("WORKER_METRICS_PORT", "9091")

	cfg.SearchdPort = env.getString("SEARCHD_PORT", "9200")
	cfg.SearchDataDir = env.getString("SEARCH_DATA_DIR", "")

	cfg.IndexChunkSize = env.getInt("INDEX_CHUNK_SIZE", 6)

	cfg.TaskConcurrency = env.getInt("TASK_CONCURRENCY", 8)
	cfg.TaskPollInterval = env.getDuration("TASK_POLL_INTERVAL", time.Second)
	cfg.TaskVisibility = env.getDuration("TASK_VISIBILITY", 10*time.Minute)
	cfg.TaskMaxAttempts = env.getInt("TASK_MAX_ATTEMPTS", 3)
	cfg.TaskRetention = env.getDuration("TASK_RETENTION", 7*24*time.Hour)

	cfg.DiscoveryInterval = env.getDuration("DISCOVERY_INTERVAL", time.Hour)
	cfg.DiscoveryMinSubscribers = env.getInt("DISCOVERY_MIN_SUBSCRIBERS", 20)
	cfg.DiscoveryCacheSize = env.getInt("DISCOVERY_CACHE_SIZE", 1024)
	cfg.DiscoveryCacheTTL = env.getDuration("DISCOVERY_CACHE_TTL", 5*time.Minute)

	cfg.RateLimitSearch = env.getInt("RATE_LIMIT_SEARCH", 60)
	cfg.RateLimitReindex = env.getInt("RATE_LIMIT_REINDEX", 10)
	cfg.LogLevel = env.getString("LOG_LEVEL", "info")

	return cfg, nil
}

// RequireDatabase はDATABASE_URLが設定されていることを検証する。
// searchdとhealthcheck以外のサブコマンドは起動前に呼び出す。
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLMissing
	}
	return nil
}

// loadOverlay はYAML設定ファイルを読み込む。キーは環境変数名とする。
func loadOverlay(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}
	overlay := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		overlay[k] = fmt.Sprint(v)
	}
	return overlay, nil
}

// envSource は環境変数、設定ファイル、既定値の順に値を解決する。
type envSource struct {
	overlay map[string]string
}

func (e envSource) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.overlay[key]
}

func (e envSource) getString(key, defaultVal string) string {
	if v := e.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (e envSource) getInt(key string, defaultVal int) int {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (e envSource) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func (e envSource) getBool(key string, defaultVal bool) bool {
	v := e.lookup(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
