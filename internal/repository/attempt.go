package repository

import (
	"context"
	"fmt"
	"time"

	"healthlink_gateway/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AttemptRepository журнал обращений к провайдеру. Живые запросы данных
// из журнала ограничиваются лимитом на окно.
type AttemptRepository interface {
	Record(ctx context.Context, attempt *types.Attempt) error
	CountFetchAttempts(ctx context.Context, appUserID, provider string, since time.Time, forceRefresh bool) (int, error)
	EarliestFetchAttempt(ctx context.Context, appUserID, provider string, since time.Time, forceRefresh bool) (*time.Time, error)
}

type attemptRepository struct {
	db     DB
	logger *zap.Logger
}

func NewAttemptRepository(db DB, logger *zap.Logger) AttemptRepository {
	return &attemptRepository{
		db:     db,
		logger: logger,
	}
}

func (r *attemptRepository) Record(ctx context.Context, attempt *types.Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Provider == "" {
		attempt.Provider = types.ProviderName
	}
	if attempt.Action == "" {
		attempt.Action = types.AttemptFetch
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO health_provider_fetch_attempt (
			id, app_user_id, provider, action, identity_hash, request_hash, request_key,
			force_refresh, cached, status_code, ok, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.Exec(ctx, query,
		attempt.ID, attempt.AppUserID, attempt.Provider, attempt.Action,
		nullIfEmpty(attempt.IdentityHash), nullIfEmpty(attempt.RequestHash), nullIfEmpty(attempt.RequestKey),
		attempt.ForceRefresh, attempt.Cached, attempt.StatusCode, attempt.OK,
		nullIfEmpty(attempt.Reason), attempt.CreatedAt,
	)
	if err != nil {
		r.logger.Error("failed to record attempt", zap.Error(err),
			zap.String("app_user_id", attempt.AppUserID), zap.String("action", attempt.Action))
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

// fetchWindowFilter только живые запросы данных, попадания в кэш не считаются
const fetchWindowFilter = `FROM health_provider_fetch_attempt
	WHERE app_user_id = $1 AND provider = $2 AND action = 'fetch' AND cached = FALSE
		AND force_refresh = $3 AND created_at >= $4`

func (r *attemptRepository) CountFetchAttempts(ctx context.Context, appUserID, provider string, since time.Time, forceRefresh bool) (int, error) {
	query := `SELECT COUNT(*) ` + fetchWindowFilter

	var count int
	if err := r.db.QueryRow(ctx, query, appUserID, provider, forceRefresh, since).Scan(&count); err != nil {
		r.logger.Error("failed to count fetch attempts", zap.Error(err), zap.String("app_user_id", appUserID))
		return 0, fmt.Errorf("failed to count fetch attempts: %w", err)
	}
	return count, nil
}

// EarliestFetchAttempt возвращает nil, если в окне нет ни одного запроса
func (r *attemptRepository) EarliestFetchAttempt(ctx context.Context, appUserID, provider string, since time.Time, forceRefresh bool) (*time.Time, error) {
	query := `SELECT MIN(created_at) ` + fetchWindowFilter

	var earliest *time.Time
	if err := r.db.QueryRow(ctx, query, appUserID, provider, forceRefresh, since).Scan(&earliest); err != nil {
		r.logger.Error("failed to find earliest fetch attempt", zap.Error(err), zap.String("app_user_id", appUserID))
		return nil, fmt.Errorf("failed to find earliest fetch attempt: %w", err)
	}
	return earliest, nil
}
