package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"healthlink_gateway/types"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type LinkRepository interface {
	Get(ctx context.Context, appUserID, provider string) (*types.LinkRecord, error)
	Upsert(ctx context.Context, appUserID, provider string, patch types.LinkPatch) (*types.LinkRecord, error)
}

type linkRepository struct {
	db     DB
	logger *zap.Logger
}

func NewLinkRepository(db DB, logger *zap.Logger) LinkRepository {
	return &linkRepository{
		db:     db,
		logger: logger,
	}
}

const linkColumns = `app_user_id, provider, linked, COALESCE(login_method, ''), COALESCE(login_org_cd, ''),
	step_data, cookie_data, COALESCE(last_identity_hash, ''), last_linked_at, last_fetched_at,
	COALESCE(last_error_code, ''), COALESCE(last_error_message, ''), updated_at`

func scanLink(row pgx.Row) (*types.LinkRecord, error) {
	var l types.LinkRecord
	var stepData, cookieData []byte
	err := row.Scan(&l.AppUserID, &l.Provider, &l.Linked, &l.LoginMethod, &l.LoginOrgCd,
		&stepData, &cookieData, &l.LastIdentityHash, &l.LastLinkedAt, &l.LastFetchedAt,
		&l.LastErrorCode, &l.LastErrorMessage, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.StepData = stepData
	l.CookieData = cookieData
	return &l, nil
}

// Get возвращает nil без ошибки, если связки ещё нет
func (r *linkRepository) Get(ctx context.Context, appUserID, provider string) (*types.LinkRecord, error) {
	query := `SELECT ` + linkColumns + ` FROM health_provider_link WHERE app_user_id = $1 AND provider = $2`

	link, err := scanLink(r.db.QueryRow(ctx, query, appUserID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to get link", zap.Error(err), zap.String("app_user_id", appUserID))
		return nil, fmt.Errorf("failed to get link: %w", err)
	}

	return link, nil
}

type linkColumn struct {
	name  string
	value any
}

func patchColumns(patch types.LinkPatch) []linkColumn {
	var cols []linkColumn
	if patch.Linked != nil {
		cols = append(cols, linkColumn{"linked", *patch.Linked})
	}
	if patch.LoginMethod != nil {
		cols = append(cols, linkColumn{"login_method", nullIfEmpty(*patch.LoginMethod)})
	}
	if patch.LoginOrgCd != nil {
		cols = append(cols, linkColumn{"login_org_cd", nullIfEmpty(*patch.LoginOrgCd)})
	}
	if patch.StepData != nil {
		cols = append(cols, linkColumn{"step_data", nullIfEmptyJSON(*patch.StepData)})
	}
	if patch.CookieData != nil {
		cols = append(cols, linkColumn{"cookie_data", nullIfEmptyJSON(*patch.CookieData)})
	}
	if patch.LastIdentityHash != nil {
		cols = append(cols, linkColumn{"last_identity_hash", nullIfEmpty(*patch.LastIdentityHash)})
	}
	if patch.LastLinkedAt != nil {
		cols = append(cols, linkColumn{"last_linked_at", *patch.LastLinkedAt})
	}
	if patch.LastFetchedAt != nil {
		cols = append(cols, linkColumn{"last_fetched_at", *patch.LastFetchedAt})
	}
	if patch.LastErrorCode != nil {
		cols = append(cols, linkColumn{"last_error_code", nullIfEmpty(*patch.LastErrorCode)})
	}
	if patch.LastErrorMessage != nil {
		cols = append(cols, linkColumn{"last_error_message", nullIfEmpty(*patch.LastErrorMessage)})
	}
	return cols
}

func nullIfEmptyJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

// Upsert создаёт связку или обновляет только переданные в патче поля
func (r *linkRepository) Upsert(ctx context.Context, appUserID, provider string, patch types.LinkPatch) (*types.LinkRecord, error) {
	cols := patchColumns(patch)

	names := []string{"app_user_id", "provider"}
	placeholders := []string{"$1", "$2"}
	args := []any{appUserID, provider}
	updates := []string{"updated_at = NOW()"}

	for i, c := range cols {
		names = append(names, c.name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
		args = append(args, c.value)
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
	}

	query := fmt.Sprintf(`
		INSERT INTO health_provider_link (%s)
		VALUES (%s)
		ON CONFLICT (app_user_id, provider) DO UPDATE SET %s
		RETURNING %s
	`, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "), linkColumns)

	link, err := scanLink(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		r.logger.Error("failed to upsert link", zap.Error(err), zap.String("app_user_id", appUserID))
		return nil, fmt.Errorf("failed to upsert link: %w", err)
	}

	r.logger.Debug("link updated", zap.String("app_user_id", appUserID), zap.Int("fields", len(cols)))
	return link, nil
}
