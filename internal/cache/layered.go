package cache

import (
	"context"
	"encoding/json"
	"time"

	"healthlink_gateway/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store постоянный уровень кэша
type Store interface {
	Upsert(ctx context.Context, entry *types.CacheEntry) error
	FindValid(ctx context.Context, appUserID, provider, requestHash string, now time.Time) (*types.CacheEntry, error)
	FindLatestByIdentity(ctx context.Context, lookup types.IdentityLookup) (*types.CacheEntry, error)
	MarkHit(ctx context.Context, id string, at time.Time) error
}

// Layered сначала читает память, затем постоянное хранилище.
// Ошибки хранилища логируются и считаются промахом.
type Layered struct {
	memory *Memory
	store  Store
	ttl    TTLPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewLayered(memory *Memory, store Store, ttl TTLPolicy, logger *zap.Logger, now func() time.Time) *Layered {
	if now == nil {
		now = time.Now
	}
	return &Layered{
		memory: memory,
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    now,
	}
}

// Read возвращает nil, если подходящей записи нет
func (c *Layered) Read(ctx context.Context, q Lookup) *Hit {
	if hit := c.memory.Get(Lookup{
		AppUserID:    q.AppUserID,
		RequestHash:  q.RequestHash,
		IdentityHash: q.IdentityHash,
		Targets:      q.Targets,
		YearLimit:    q.YearLimit,
		SubjectType:  q.SubjectType,
		MaxAge:       q.MaxAge,
	}); hit != nil {
		return hit
	}

	if c.store != nil {
		if hit := c.readStore(ctx, q); hit != nil {
			return hit
		}
	}

	if !q.AllowHistory {
		return nil
	}

	if hit := c.memory.Get(q); hit != nil {
		return hit
	}
	if c.store == nil || q.IdentityHash == "" {
		return nil
	}

	now := c.now()
	entry, err := c.store.FindLatestByIdentity(ctx, c.identityLookup(q, true, now))
	if err != nil {
		c.logger.Warn("failed to read history cache entry", zap.Error(err), zap.String("app_user_id", q.AppUserID))
		return nil
	}
	if entry == nil || !c.withinMaxAge(entry, q.MaxAge, now) {
		return nil
	}
	c.memory.Put(entry)
	return &Hit{Entry: entry, Source: SourceDBHistory, Stale: entry.Expired(now)}
}

func (c *Layered) readStore(ctx context.Context, q Lookup) *Hit {
	now := c.now()

	entry, err := c.store.FindValid(ctx, q.AppUserID, types.ProviderName, q.RequestHash, now)
	if err != nil {
		c.logger.Warn("failed to read cache entry", zap.Error(err), zap.String("request_hash", q.RequestHash))
	}
	source := SourceDB

	if entry == nil && q.IdentityHash != "" {
		entry, err = c.store.FindLatestByIdentity(ctx, c.identityLookup(q, false, now))
		if err != nil {
			c.logger.Warn("failed to read identity cache entry", zap.Error(err), zap.String("identity_hash", q.IdentityHash))
		}
		source = SourceDBIdentity
	}

	if entry == nil || !c.withinMaxAge(entry, q.MaxAge, now) {
		return nil
	}

	if err := c.store.MarkHit(ctx, entry.ID, now); err != nil {
		c.logger.Warn("failed to mark cache hit", zap.Error(err), zap.String("id", entry.ID))
	} else {
		hitAt := now
		entry.HitCount++
		entry.LastHitAt = &hitAt
	}

	c.memory.Put(entry)
	return &Hit{Entry: entry, Source: source}
}

func (c *Layered) identityLookup(q Lookup, includeExpired bool, now time.Time) types.IdentityLookup {
	return types.IdentityLookup{
		AppUserID:      q.AppUserID,
		Provider:       types.ProviderName,
		IdentityHash:   q.IdentityHash,
		Targets:        q.Targets,
		YearLimit:      q.YearLimit,
		SubjectType:    q.SubjectType,
		IncludeExpired: includeExpired,
		Now:            now,
	}
}

func (c *Layered) withinMaxAge(entry *types.CacheEntry, maxAge time.Duration, now time.Time) bool {
	return maxAge <= 0 || now.Sub(entry.FetchedAt) <= maxAge
}

// Write применяет TTL и сохраняет запись на обоих уровнях: сначала в
// хранилище, затем в память. Ошибка хранилища не прерывает запись в память.
func (c *Layered) Write(ctx context.Context, entry *types.CacheEntry) *types.CacheEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Provider == "" {
		entry.Provider = types.ProviderName
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = c.now()
	}
	if len(entry.Payload) == 0 {
		entry.Payload = json.RawMessage("null")
	} else if !json.Valid(entry.Payload) {
		c.logger.Warn("cache payload is not valid json, storing as string", zap.String("request_hash", entry.RequestHash))
		quoted, _ := json.Marshal(string(entry.Payload))
		entry.Payload = quoted
	}
	entry.HitCount = 0
	entry.LastHitAt = nil
	c.ttl.Apply(entry)

	// хранилище может вернуть id уже существующей строки, память берёт его
	if c.store != nil {
		if err := c.store.Upsert(ctx, entry); err != nil {
			c.logger.Error("failed to persist cache entry", zap.Error(err), zap.String("request_hash", entry.RequestHash))
		}
	}

	c.memory.Put(entry)

	c.logger.Debug("cache entry written",
		zap.String("request_hash", entry.RequestHash),
		zap.Bool("ok", entry.OK),
		zap.Bool("partial", entry.Partial),
		zap.Time("expires_at", entry.ExpiresAt))
	return entry
}

// Invalidate очищает записи пользователя в памяти процесса
func (c *Layered) Invalidate(appUserID string) int {
	return c.memory.ClearUser(appUserID)
}
