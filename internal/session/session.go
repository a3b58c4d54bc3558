// Package session хранит состояние процедуры подписи по идентификатору сессии.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"healthlink_gateway/types"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const keyPrefix = "healthlink:session:"

// ErrInvalidPII неполные или некорректные персональные данные для init
var ErrInvalidPII = errors.New("login org code, name, 8-digit birth date and 10-11 digit mobile number are required")

// DefaultTTL срок хранения состояния сессии без обращений
const DefaultTTL = 24 * time.Hour

// maxUpdateRetries попытки транзакции при конкурентной записи в ключ
const maxUpdateRetries = 5

// ErrUpdateConflict состояние сессии всё время менялось конкурентно
var ErrUpdateConflict = errors.New("session changed concurrently, giving up")

// Store загрузка и сохранение состояния. Load для неизвестной сессии
// возвращает пустое состояние без ошибки.
type Store interface {
	Load(ctx context.Context, sessionID string) (*types.SessionState, error)
	Save(ctx context.Context, sessionID string, state *types.SessionState) error
	// Update читает состояние, вызывает fn и сохраняет результат так, что
	// параллельные Update одной сессии не теряют изменений друг друга.
	// fn возвращает false, если сохранять нечего, и может вызываться повторно.
	Update(ctx context.Context, sessionID string, fn func(state *types.SessionState) bool) error
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*types.SessionState, error) {
	raw, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &types.SessionState{}, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var state types.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("discarding unreadable session state", zap.Error(err))
		return &types.SessionState{}, nil
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, state *types.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+sessionID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Update выполняется под WATCH, запись уходит в MULTI. Если ключ изменился
// между чтением и записью, транзакция повторяется.
func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(state *types.SessionState) bool) error {
	key := keyPrefix + sessionID
	txf := func(tx *redis.Tx) error {
		state := &types.SessionState{}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to load session: %w", err)
		default:
			if err := json.Unmarshal(raw, state); err != nil {
				s.logger.Warn("discarding unreadable session state", zap.Error(err))
				state = &types.SessionState{}
			}
		}

		if !fn(state) {
			return nil
		}
		out, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to update session: %w", err)
		}
		s.logger.Debug("session update conflict, retrying", zap.Int("attempt", i+1))
	}
	return ErrUpdateConflict
}

// MemoryStore хранит сессии в памяти процесса, когда Redis не настроен
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*types.SessionState, error) {
	s.mu.Lock()
	raw, ok := s.sessions[sessionID]
	s.mu.Unlock()

	state := &types.SessionState{}
	if !ok {
		return state, nil
	}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return state, nil
}

func (s *MemoryStore) Save(ctx context.Context, sessionID string, state *types.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	s.mu.Lock()
	s.sessions[sessionID] = raw
	s.mu.Unlock()
	return nil
}

// Update держит блокировку хранилища на всё время чтения и записи
func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn func(state *types.SessionState) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &types.SessionState{}
	if raw, ok := s.sessions[sessionID]; ok {
		if err := json.Unmarshal(raw, state); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}
	}
	if !fn(state) {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	s.sessions[sessionID] = raw
	return nil
}
