package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	CacheDir    string
	DownloadDir string
	DB          *DBConfig

	MaxPeers        int
	BlockCacheItems int
	BlockCacheBytes int64
	ListenPort      uint16
}

func NewAppConfig() *AppConfig {
	return &AppConfig{
		CacheDir:        envString("CACHE_DIR", "storage/cache"),
		DownloadDir:     envString("DOWNLOAD_DIR", "storage/downloads"),
		DB:              NewDBConfig(),
		MaxPeers:        envInt("MAX_PEERS", 50),
		BlockCacheItems: envInt("BLOCK_CACHE_ITEMS", 1000),
		BlockCacheBytes: envInt64("BLOCK_CACHE_BYTES", 20*1024*1024),
		ListenPort:      uint16(envInt("LISTEN_PORT", 6881)),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

var Main *AppConfig

func init() {
	_ = godotenv.Load()
	Main = NewAppConfig()
}
