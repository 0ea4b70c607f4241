// Package redis disponibiliza a implementação do storage baseada em Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

const (
	DefaultPrefix = "ratelimit"

	countField = "count"
	scanCount  = 100
)

// Storage guarda um hash por (usuário, scope key) com o campo count; o TTL
// nativo da mesma chave é o prazo da janela, então contagem e prazo expiram juntos.
//
// Operações do caminho da requisição falham abertas: erros do backend são
// registrados e viram valores zero.
type Storage struct {
	client   *redis.Client
	prefix   string
	logger   *zap.Logger
	observer ports.Observer
}

var _ ports.Storage = (*Storage)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Option func(*Storage)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithObserver(observer ports.Observer) Option {
	return func(s *Storage) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func New(cfg Config, opts ...Option) (*Storage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.Prefix, opts...), nil
}

// NewWithClient usa um cliente já configurado.
func NewWithClient(client *redis.Client, prefix string, opts ...Option) *Storage {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Storage{
		client:   client,
		prefix:   prefix,
		logger:   zap.NewNop(),
		observer: ports.NopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Increment(ctx context.Context, user, key string) (int64, error) {
	count, err := s.client.HIncrBy(ctx, s.counterKey(user, key), countField, 1).Result()
	if err != nil {
		s.failOpen("increment", user, key, err)
		return 0, nil
	}
	return count, nil
}

func (s *Storage) Count(ctx context.Context, user, key string) (int64, error) {
	count, err := s.client.HGet(ctx, s.counterKey(user, key), countField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		s.failOpen("count", user, key, err)
		return 0, nil
	}
	return count, nil
}

func (s *Storage) ExpireAfter(ctx context.Context, user, key string, ttl time.Duration) error {
	counterKey := s.counterKey(user, key)

	var err error
	if ttl <= 0 {
		err = s.client.Del(ctx, counterKey).Err()
	} else {
		// PEXPIRE substitui qualquer TTL já definido na chave.
		err = s.client.PExpire(ctx, counterKey, ttl).Err()
	}
	if err != nil {
		s.failOpen("expire_after", user, key, err)
	}
	return nil
}

func (s *Storage) RemainingTime(ctx context.Context, user, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.counterKey(user, key)).Result()
	if err != nil {
		s.failOpen("remaining_time", user, key, err)
		return 0, nil
	}
	// -1 (sem TTL) e -2 (chave ausente) voltam como durações negativas.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *Storage) DumpUser(ctx context.Context, user string) (domain.UsageReport, error) {
	keys, err := s.scan(ctx, s.userPattern(user))
	if err != nil {
		return nil, err
	}

	report := make(domain.UsageReport)
	usages, err := s.readUsages(ctx, keys)
	if err != nil {
		return nil, err
	}
	for counterKey, usage := range usages {
		owner, scopeKey, ok := s.parseCounterKey(counterKey)
		if !ok || owner != user {
			continue
		}
		report[scopeKey] = usage
	}
	return report, nil
}

func (s *Storage) DumpAll(ctx context.Context) (map[string]domain.UsageReport, error) {
	keys, err := s.scan(ctx, escapeGlob(s.prefix)+":*")
	if err != nil {
		return nil, err
	}

	usages, err := s.readUsages(ctx, keys)
	if err != nil {
		return nil, err
	}

	all := make(map[string]domain.UsageReport)
	for counterKey, usage := range usages {
		user, scopeKey, ok := s.parseCounterKey(counterKey)
		if !ok {
			continue
		}
		report, exists := all[user]
		if !exists {
			report = make(domain.UsageReport)
			all[user] = report
		}
		report[scopeKey] = usage
	}
	return all, nil
}

// Reset apaga os contadores sob o prefixo configurado, sem tocar no resto do keyspace.
func (s *Storage) Reset(ctx context.Context) error {
	keys, err := s.scan(ctx, escapeGlob(s.prefix)+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Storage) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// readUsages busca contagem e TTL de cada chave em uma única ida ao servidor,
// ignorando contadores vazios ou sem prazo vivo.
func (s *Storage) readUsages(ctx context.Context, keys []string) (map[string]domain.Usage, error) {
	usages := make(map[string]domain.Usage, len(keys))
	if len(keys) == 0 {
		return usages, nil
	}

	pipe := s.client.Pipeline()
	counts := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		counts[i] = pipe.HGet(ctx, key, countField)
		ttls[i] = pipe.PTTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	for i, key := range keys {
		count, err := counts[i].Int64()
		if err != nil || count <= 0 {
			continue
		}
		ttl := ttls[i].Val()
		if ttl <= 0 {
			continue
		}
		usages[key] = domain.Usage{Count: count, Remaining: ttl}
	}
	return usages, nil
}

func (s *Storage) failOpen(operation, user, key string, err error) {
	s.observer.ObserveBackendFailure(operation)
	s.logger.Warn("rate limit backend unavailable, failing open",
		zap.String("operation", operation),
		zap.String("user", user),
		zap.String("scope_key", key),
		zap.Error(err),
	)
}

// counterKey codifica {prefix}:{len(user)}:{user}:{scopeKey}. O tamanho do
// usuário mantém a codificação sem ambiguidade, quaisquer que sejam os caracteres.
func (s *Storage) counterKey(user, key string) string {
	return s.userPrefix(user) + key
}

func (s *Storage) userPrefix(user string) string {
	return s.prefix + ":" + strconv.Itoa(len(user)) + ":" + user + ":"
}

func (s *Storage) userPattern(user string) string {
	return escapeGlob(s.userPrefix(user)) + "*"
}

func (s *Storage) parseCounterKey(counterKey string) (user, key string, ok bool) {
	rest, found := strings.CutPrefix(counterKey, s.prefix+":")
	if !found {
		return "", "", false
	}

	lengthPart, rest, found := strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}
	n, err := strconv.Atoi(lengthPart)
	if err != nil || n < 0 || len(rest) < n+1 || rest[n] != ':' {
		return "", "", false
	}
	return rest[:n], rest[n+1:], true
}

func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
