package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/messenger/client/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// RetryConfig — политика повторов шлюза запросов (линейный backoff: delay × attempt).
type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// ReconnectConfig — политика переподключения WebSocket: фиксированное число
// попыток с фиксированной задержкой, затем состояние Error и ручной Reconnect.
type ReconnectConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// Config содержит настройки клиента.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	// Бэкенд
	APIBaseURL string `yaml:"api_base_url"`
	WSURL      string `yaml:"ws_url"`

	// Шлюз запросов
	RequestTimeout time.Duration `yaml:"-"` // на одну попытку
	UploadTimeout  time.Duration `yaml:"-"` // на одну загрузку файла
	Retry          RetryConfig   `yaml:"retry"`
	CacheTTL       time.Duration `yaml:"-"`

	// Realtime
	AckTimeout     time.Duration   `yaml:"-"` // обычные действия
	SendAckTimeout time.Duration   `yaml:"-"` // отправка сообщения
	Reconnect      ReconnectConfig `yaml:"reconnect"`

	// Кеш на Redis (пусто — in-memory)
	RedisURL string `yaml:"-"`

	// Учётные данные
	CredentialsPath string `yaml:"credentials_path"`

	// Логирование
	LogLevel string `yaml:"log_level"`
}

// yamlConfig — промежуточная структура для парсинга YAML (таймауты в секундах).
type yamlConfig struct {
	APIBaseURL        string          `yaml:"api_base_url"`
	WSURL             string          `yaml:"ws_url"`
	RequestTimeoutSec int             `yaml:"request_timeout"`
	UploadTimeoutSec  int             `yaml:"upload_timeout"`
	Retry             RetryConfig     `yaml:"retry"`
	CacheTTLSec       int             `yaml:"cache_ttl"`
	AckTimeoutSec     int             `yaml:"ack_timeout"`
	SendAckTimeoutSec int             `yaml:"send_ack_timeout"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	CredentialsPath   string          `yaml:"credentials_path"`
	LogLevel          string          `yaml:"log_level"`
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() *Config {
	loadEnv()
	// Значения по умолчанию
	yc := yamlConfig{
		APIBaseURL:        "http://localhost:8080",
		WSURL:             "ws://localhost:8080/ws",
		RequestTimeoutSec: 15,
		UploadTimeoutSec:  120,
		Retry:             RetryConfig{Attempts: 2, DelayMS: 500},
		CacheTTLSec:       300,
		AckTimeoutSec:     10,
		SendAckTimeoutSec: 30,
		Reconnect:         ReconnectConfig{Attempts: 5, DelayMS: 2000},
		LogLevel:          "info",
	}

	// Загрузка конфигурации: CONFIG_PATH → config/client.yaml
	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	cfg := &Config{
		APIBaseURL:     strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
		WSURL:          envStr("WS_URL", yc.WSURL),
		RequestTimeout: time.Duration(envInt("REQUEST_TIMEOUT", yc.RequestTimeoutSec)) * time.Second,
		UploadTimeout:  time.Duration(envInt("UPLOAD_TIMEOUT", yc.UploadTimeoutSec)) * time.Second,
		Retry: RetryConfig{
			Attempts: envInt("RETRY_ATTEMPTS", yc.Retry.Attempts),
			DelayMS:  envInt("RETRY_DELAY_MS", yc.Retry.DelayMS),
		},
		CacheTTL:       time.Duration(envInt("CACHE_TTL", yc.CacheTTLSec)) * time.Second,
		AckTimeout:     time.Duration(envInt("ACK_TIMEOUT", yc.AckTimeoutSec)) * time.Second,
		SendAckTimeout: time.Duration(envInt("SEND_ACK_TIMEOUT", yc.SendAckTimeoutSec)) * time.Second,
		Reconnect: ReconnectConfig{
			Attempts: envInt("RECONNECT_ATTEMPTS", yc.Reconnect.Attempts),
			DelayMS:  envInt("RECONNECT_DELAY_MS", yc.Reconnect.DelayMS),
		},
		RedisURL:        envStr("REDIS_URL", ""),
		CredentialsPath: envStr("CREDENTIALS_PATH", yc.CredentialsPath),
		LogLevel:        envStr("LOG_LEVEL", yc.LogLevel),
	}

	if cfg.Retry.Attempts < 0 {
		cfg.Retry.Attempts = 0
	}
	if cfg.Reconnect.Attempts <= 0 {
		cfg.Reconnect.Attempts = 5
	}

	return cfg
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
