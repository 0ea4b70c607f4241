// Package config centraliza o carregamento de configurações da aplicação.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

var ErrUnsupportedStorage = errors.New("unsupported storage type")

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	RateLimiter RateLimiterConfig
}

type ServerConfig struct {
	Port       string
	Env        string
	UserHeader string
}

type StorageConfig struct {
	Type   string
	Redis  RedisConfig
	Memory MemoryConfig
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

type MemoryConfig struct {
	SweepInterval time.Duration
}

// RouteLimit associa um limite a um método e padrão de rota.
type RouteLimit struct {
	Method string
	Route  string
	Limit  domain.Limit
}

type RateLimiterConfig struct {
	// GlobalLimit é nil quando RATE_LIMIT_GLOBAL_HITS não está definido.
	GlobalLimit *domain.Limit
	Routes      []RouteLimit
}

func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{
		Port:       getEnv("SERVER_PORT", "8080"),
		Env:        getEnv("APP_ENV", "development"),
		UserHeader: getEnv("USER_HEADER", "X-User-ID"),
	}

	storageType := strings.ToLower(getEnv("STORAGE_TYPE", StorageMemory))
	if storageType != StorageMemory && storageType != StorageRedis {
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedStorage, storageType)
	}

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return Config{}, err
	}

	sweepInterval, err := time.ParseDuration(getEnv("MEMORY_SWEEP_INTERVAL", "1s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid MEMORY_SWEEP_INTERVAL: %w", err)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("invalid MEMORY_SWEEP_INTERVAL: must be positive, got %s", sweepInterval)
	}

	rateLimiterConfig, err := buildRateLimiterConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server: server,
		Storage: StorageConfig{
			Type:   storageType,
			Redis:  redisConfig,
			Memory: MemoryConfig{SweepInterval: sweepInterval},
		},
		RateLimiter: rateLimiterConfig,
	}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return RedisConfig{
		Host:     host,
		Port:     port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		Prefix:   getEnv("REDIS_PREFIX_KEY", "ratelimit"),
	}, nil
}

func buildRateLimiterConfig() (RateLimiterConfig, error) {
	globalLimit, err := buildOptionalGlobalLimit()
	if err != nil {
		return RateLimiterConfig{}, err
	}

	routes, err := buildRouteLimits()
	if err != nil {
		return RateLimiterConfig{}, err
	}

	if path := strings.TrimSpace(os.Getenv("RATE_LIMIT_ROUTES_FILE")); path != "" {
		fromFile, err := LoadRouteLimitsFile(path)
		if err != nil {
			return RateLimiterConfig{}, err
		}
		routes = append(routes, fromFile...)
	}

	if err := rejectDuplicateRoutes(routes); err != nil {
		return RateLimiterConfig{}, err
	}

	return RateLimiterConfig{
		GlobalLimit: globalLimit,
		Routes:      routes,
	}, nil
}

func buildOptionalGlobalLimit() (*domain.Limit, error) {
	hitsStr := os.Getenv("RATE_LIMIT_GLOBAL_HITS")
	if strings.TrimSpace(hitsStr) == "" {
		return nil, nil
	}

	hits, err := strconv.Atoi(strings.TrimSpace(hitsStr))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_GLOBAL_HITS: %w", err)
	}

	window, err := parseSeconds(getEnv("RATE_LIMIT_GLOBAL_SECONDS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_GLOBAL_SECONDS: %w", err)
	}

	limit := domain.Limit{Hits: hits, Window: window}
	if err := limit.Validate(); err != nil {
		return nil, fmt.Errorf("global rate limit: %w", err)
	}
	return &limit, nil
}

// buildRouteLimits lê RATE_LIMIT_ROUTES no formato
// "METHOD PATTERN:HITS:SECONDS,...". Os dois últimos campos são lidos pela
// direita, então o padrão da rota pode conter ':'.
func buildRouteLimits() ([]RouteLimit, error) {
	raw := strings.TrimSpace(os.Getenv("RATE_LIMIT_ROUTES"))
	if raw == "" {
		return nil, nil
	}

	var routes []RouteLimit
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		rest, secondsStr, ok := cutLast(item, ":")
		if !ok {
			return nil, fmt.Errorf("route limit must follow METHOD PATTERN:HITS:SECONDS: %s", item)
		}
		target, hitsStr, ok := cutLast(rest, ":")
		if !ok {
			return nil, fmt.Errorf("route limit must follow METHOD PATTERN:HITS:SECONDS: %s", item)
		}
		method, route, ok := strings.Cut(strings.TrimSpace(target), " ")
		if !ok || strings.TrimSpace(route) == "" {
			return nil, fmt.Errorf("route limit must follow METHOD PATTERN:HITS:SECONDS: %s", item)
		}

		hits, err := strconv.Atoi(strings.TrimSpace(hitsStr))
		if err != nil {
			return nil, fmt.Errorf("invalid hits for route %s: %w", target, err)
		}
		window, err := parseSeconds(secondsStr)
		if err != nil {
			return nil, fmt.Errorf("invalid seconds for route %s: %w", target, err)
		}

		rl, err := newRouteLimit(method, route, hits, window)
		if err != nil {
			return nil, err
		}
		routes = append(routes, rl)
	}

	return routes, nil
}

type routeLimitFile struct {
	Routes []struct {
		Method  string  `yaml:"method"`
		Route   string  `yaml:"route"`
		Hits    int     `yaml:"hits"`
		Seconds float64 `yaml:"seconds"`
	} `yaml:"routes"`
}

// LoadRouteLimitsFile lê limites por rota de um arquivo YAML:
//
//	routes:
//	  - method: POST
//	    route: /items
//	    hits: 5
//	    seconds: 60
func LoadRouteLimitsFile(path string) ([]RouteLimit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route limits file: %w", err)
	}

	var file routeLimitFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse route limits file %s: %w", path, err)
	}

	routes := make([]RouteLimit, 0, len(file.Routes))
	for _, entry := range file.Routes {
		window := time.Duration(entry.Seconds * float64(time.Second))
		rl, err := newRouteLimit(entry.Method, entry.Route, entry.Hits, window)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		routes = append(routes, rl)
	}
	return routes, nil
}

func newRouteLimit(method, route string, hits int, window time.Duration) (RouteLimit, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	route = strings.TrimSpace(route)
	if method == "" || route == "" {
		return RouteLimit{}, fmt.Errorf("route limit requires method and route, got %q %q", method, route)
	}

	limit := domain.Limit{Hits: hits, Window: window}
	if err := limit.Validate(); err != nil {
		return RouteLimit{}, fmt.Errorf("route %s %s: %w", method, route, err)
	}
	return RouteLimit{Method: method, Route: route, Limit: limit}, nil
}

// rejectDuplicateRoutes falha quando a mesma rota aparece mais de uma vez,
// seja em RATE_LIMIT_ROUTES, seja no arquivo.
func rejectDuplicateRoutes(routes []RouteLimit) error {
	seen := make(map[string]struct{}, len(routes))
	for _, rl := range routes {
		key := rl.Method + " " + rl.Route
		if _, exists := seen[key]; exists {
			return fmt.Errorf("%w: %s", domain.ErrRouteAlreadyRegistered, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
