package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port   string `json:"port"`
	DSLDir string `json:"dslDir"`
	DBURL  string `json:"dbUrl"`
	Driver string `json:"driver"` // "pgx" (default) | "postgres"

	// при старте накатить DDL для загруженной схемы
	AutoCreate bool `json:"autoCreate"`

	// Файлы (локально)
	FilesRoot string `json:"filesRoot"`

	LogLevel     string `json:"logLevel"`     // debug | info | warn | error
	SlowQueryMs  int    `json:"slowQueryMs"`  // 0 — не отмечать медленные запросы
	MaxOpenConns int    `json:"maxOpenConns"` // размер пула
}

func def() Config {
	return Config{
		Port:       "8080",
		DSLDir:     "dsl",
		DBURL:      "",
		Driver:     "pgx",
		AutoCreate: false,

		FilesRoot: "uploads",

		LogLevel:     "info",
		SlowQueryMs:  0,
		MaxOpenConns: 10,
	}
}

func loadJSON(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "1" || v == "true" || v == "yes" {
			return true
		}
		if v == "0" || v == "false" || v == "no" {
			return false
		}
	}
	return fallback
}
func getenvInt(k string, fallback int) int {
	if v, ok := os.LookupEnv(k); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// LoadWithPath: умолчания → JSON по указанному пути → .env → KORM_* из
// окружения. Флаги CLI накладываются поверх вызывающим.
func LoadWithPath(jsonPath string) (Config, error) {
	cfg := def()

	// JSON (если файл существует)
	if st, err := os.Stat(jsonPath); err == nil && !st.IsDir() {
		c2, err := loadJSON(jsonPath)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", jsonPath, err)
		}
		cfg = c2
	}

	// .env не перекрывает уже выставленные переменные окружения
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return cfg, fmt.Errorf(".env: %w", err)
		}
	}

	// ENV overrides
	cfg.Port = getenv("KORM_PORT", cfg.Port)
	cfg.DSLDir = getenv("KORM_DSL_DIR", cfg.DSLDir)
	cfg.DBURL = getenv("KORM_DB_URL", cfg.DBURL)
	cfg.Driver = getenv("KORM_DRIVER", cfg.Driver)
	cfg.AutoCreate = getenvBool("KORM_AUTO_CREATE", cfg.AutoCreate)
	cfg.FilesRoot = getenv("KORM_FILES_ROOT", cfg.FilesRoot)
	cfg.LogLevel = getenv("KORM_LOG_LEVEL", cfg.LogLevel)
	cfg.SlowQueryMs = getenvInt("KORM_SLOW_QUERY_MS", cfg.SlowQueryMs)
	cfg.MaxOpenConns = getenvInt("KORM_MAX_OPEN_CONNS", cfg.MaxOpenConns)

	return cfg, cfg.Validate()
}

// Validate проверяет значения, которые иначе всплывут только при первом запросе.
func (c Config) Validate() error {
	switch c.Driver {
	case "pgx", "postgres":
	default:
		return fmt.Errorf("driver: unsupported %q (pgx|postgres)", c.Driver)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SlowQueryMs < 0 {
		return fmt.Errorf("slowQueryMs: must be >= 0, got %d", c.SlowQueryMs)
	}
	return nil
}

// SlowQuery — порог медленного запроса.
func (c Config) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMs) * time.Millisecond
}

// Level — уровень slog из LogLevel.
func (c Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logLevel: %w", err)
	}
	return l, nil
}
