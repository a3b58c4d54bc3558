package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"healthlink_gateway/types"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type FetchCacheRepository interface {
	Upsert(ctx context.Context, entry *types.CacheEntry) error
	FindValid(ctx context.Context, appUserID, provider, requestHash string, now time.Time) (*types.CacheEntry, error)
	FindLatestByIdentity(ctx context.Context, lookup types.IdentityLookup) (*types.CacheEntry, error)
	MarkHit(ctx context.Context, id string, at time.Time) error
	DeleteByUser(ctx context.Context, appUserID, provider string) (int64, error)
}

type fetchCacheRepository struct {
	db     DB
	logger *zap.Logger
}

func NewFetchCacheRepository(db DB, logger *zap.Logger) FetchCacheRepository {
	return &fetchCacheRepository{
		db:     db,
		logger: logger,
	}
}

const cacheColumns = `id, app_user_id, provider, identity_hash, request_hash, request_key, targets,
	COALESCE(year_limit, 0), COALESCE(from_date, ''), COALESCE(to_date, ''), COALESCE(subject_type, ''),
	ok, partial, status_code, payload, fetched_at, expires_at, hit_count, last_hit_at`

func scanCacheEntry(row pgx.Row) (*types.CacheEntry, error) {
	var e types.CacheEntry
	var payload []byte
	err := row.Scan(&e.ID, &e.AppUserID, &e.Provider, &e.IdentityHash, &e.RequestHash, &e.RequestKey, &e.Targets,
		&e.YearLimit, &e.FromDate, &e.ToDate, &e.SubjectType,
		&e.OK, &e.Partial, &e.StatusCode, &payload, &e.FetchedAt, &e.ExpiresAt, &e.HitCount, &e.LastHitAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}

// Upsert сохраняет запись по ключу (app_user_id, provider, request_hash),
// счётчик обращений при этом сбрасывается
func (r *fetchCacheRepository) Upsert(ctx context.Context, entry *types.CacheEntry) error {
	query := `
		INSERT INTO health_provider_fetch_cache (
			id, app_user_id, provider, identity_hash, request_hash, request_key, targets,
			year_limit, from_date, to_date, subject_type,
			ok, partial, status_code, payload, fetched_at, expires_at, hit_count, last_hit_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 0, NULL)
		ON CONFLICT (app_user_id, provider, request_hash) DO UPDATE SET
			identity_hash = EXCLUDED.identity_hash,
			request_key = EXCLUDED.request_key,
			targets = EXCLUDED.targets,
			year_limit = EXCLUDED.year_limit,
			from_date = EXCLUDED.from_date,
			to_date = EXCLUDED.to_date,
			subject_type = EXCLUDED.subject_type,
			ok = EXCLUDED.ok,
			partial = EXCLUDED.partial,
			status_code = EXCLUDED.status_code,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			hit_count = 0,
			last_hit_at = NULL,
			updated_at = NOW()
		RETURNING id
	`

	var id string
	err := r.db.QueryRow(ctx, query,
		entry.ID, entry.AppUserID, entry.Provider, entry.IdentityHash, entry.RequestHash, entry.RequestKey, entry.Targets,
		nullIfZero(entry.YearLimit), nullIfEmpty(entry.FromDate), nullIfEmpty(entry.ToDate), nullIfEmpty(entry.SubjectType),
		entry.OK, entry.Partial, entry.StatusCode, string(entry.Payload), entry.FetchedAt, entry.ExpiresAt,
	).Scan(&id)
	if err != nil {
		r.logger.Error("failed to upsert cache entry", zap.Error(err), zap.String("request_hash", entry.RequestHash))
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	entry.ID = id
	return nil
}

// FindValid ищет непросроченную запись по точному хэшу запроса
func (r *fetchCacheRepository) FindValid(ctx context.Context, appUserID, provider, requestHash string, now time.Time) (*types.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM health_provider_fetch_cache
		WHERE app_user_id = $1 AND provider = $2 AND request_hash = $3 AND expires_at > $4
		LIMIT 1
	`

	entry, err := scanCacheEntry(r.db.QueryRow(ctx, query, appUserID, provider, requestHash, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to find cache entry", zap.Error(err), zap.String("request_hash", requestHash))
		return nil, fmt.Errorf("failed to find cache entry: %w", err)
	}

	r.logger.Debug("cache entry retrieved", zap.String("request_hash", requestHash))
	return entry, nil
}

// FindLatestByIdentity возвращает самую свежую успешную запись владельца
// для того же набора целей, глубины и типа субъекта
func (r *fetchCacheRepository) FindLatestByIdentity(ctx context.Context, lookup types.IdentityLookup) (*types.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM health_provider_fetch_cache
		WHERE app_user_id = $1 AND provider = $2 AND identity_hash = $3 AND targets = $4
			AND year_limit IS NOT DISTINCT FROM $5::int
			AND subject_type IS NOT DISTINCT FROM $6::text
			AND ok = true
	`
	args := []any{
		lookup.AppUserID, lookup.Provider, lookup.IdentityHash, lookup.Targets,
		nullIfZero(lookup.YearLimit), nullIfEmpty(lookup.SubjectType),
	}

	if !lookup.IncludeExpired {
		query += ` AND expires_at > $7`
		args = append(args, lookup.Now)
	}
	query += ` ORDER BY fetched_at DESC LIMIT 1`

	entry, err := scanCacheEntry(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to find cache entry by identity", zap.Error(err), zap.String("identity_hash", lookup.IdentityHash))
		return nil, fmt.Errorf("failed to find cache entry by identity: %w", err)
	}

	return entry, nil
}

func (r *fetchCacheRepository) MarkHit(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE health_provider_fetch_cache SET hit_count = hit_count + 1, last_hit_at = $2 WHERE id = $1`

	if _, err := r.db.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to mark cache hit: %w", err)
	}
	return nil
}

// DeleteByUser удаляет все записи кэша пользователя
func (r *fetchCacheRepository) DeleteByUser(ctx context.Context, appUserID, provider string) (int64, error) {
	query := `DELETE FROM health_provider_fetch_cache WHERE app_user_id = $1 AND provider = $2`

	tag, err := r.db.Exec(ctx, query, appUserID, provider)
	if err != nil {
		r.logger.Error("failed to delete cache entries", zap.Error(err), zap.String("app_user_id", appUserID))
		return 0, fmt.Errorf("failed to delete cache entries: %w", err)
	}

	return tag.RowsAffected(), nil
}
