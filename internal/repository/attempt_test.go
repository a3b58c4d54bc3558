package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"healthlink_gateway/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap/zaptest"
)

func TestRecordAttempt(t *testing.T) {
	tests := []struct {
		name          string
		attempt       *types.Attempt
		mockError     error
		expectedError string
		checkArgs     func(t *testing.T, args []any)
	}{
		{
			name: "fetch_defaults",
			attempt: &types.Attempt{
				AppUserID:    "user-1",
				IdentityHash: "ident",
				RequestHash:  "req",
				StatusCode:   200,
				OK:           true,
			},
			checkArgs: func(t *testing.T, args []any) {
				if args[0] == "" {
					t.Error("expected generated id")
				}
				if args[2] != types.ProviderName || args[3] != types.AttemptFetch {
					t.Errorf("expected provider and fetch action defaults, got %v %v", args[2], args[3])
				}
				if args[6] != nil || args[11] != nil {
					t.Errorf("empty request key and reason must be NULL, got %v %v", args[6], args[11])
				}
				if created, ok := args[12].(time.Time); !ok || created.IsZero() {
					t.Errorf("expected created_at to be set, got %v", args[12])
				}
			},
		},
		{
			name: "operational_attempt",
			attempt: &types.Attempt{
				AppUserID:  "user-1",
				Action:     types.AttemptSign,
				StatusCode: 409,
				Reason:     "pending_auth_missing",
				CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			},
			checkArgs: func(t *testing.T, args []any) {
				if args[3] != types.AttemptSign {
					t.Errorf("expected sign action, got %v", args[3])
				}
				if args[11] != "pending_auth_missing" {
					t.Errorf("expected reason to be stored, got %v", args[11])
				}
				if args[12] != time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) {
					t.Errorf("expected provided created_at, got %v", args[12])
				}
			},
		},
		{
			name:          "database_error",
			attempt:       &types.Attempt{AppUserID: "user-1"},
			mockError:     errors.New("database connection failed"),
			expectedError: "failed to record attempt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSQL string
			var gotArgs []any
			mockPool := &mockDBPool{
				execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					gotSQL, gotArgs = sql, args
					if tt.mockError != nil {
						return pgconn.CommandTag{}, tt.mockError
					}
					return pgconn.NewCommandTag("INSERT 0 1"), nil
				},
			}

			repo := NewAttemptRepository(mockPool, zaptest.NewLogger(t))
			err := repo.Record(context.Background(), tt.attempt)

			if tt.expectedError != "" {
				if err == nil || !containsError(err.Error(), tt.expectedError) {
					t.Errorf("expected error containing '%s', but got %v", tt.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(gotSQL, "INSERT INTO health_provider_fetch_attempt") {
				t.Errorf("unexpected query: %s", gotSQL)
			}
			if len(gotArgs) != 13 {
				t.Fatalf("expected 13 args, got %d", len(gotArgs))
			}
			tt.checkArgs(t, gotArgs)
		})
	}
}

func TestCountFetchAttempts(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		mockError     error
		expected      int
		expectedError string
	}{
		{name: "counted", expected: 4},
		{name: "database_error", mockError: errors.New("timeout"), expectedError: "failed to count fetch attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSQL string
			var gotArgs []any
			mockPool := &mockDBPool{
				queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
					gotSQL, gotArgs = sql, args
					return &mockRow{scanFunc: func(dest ...any) error {
						if tt.mockError != nil {
							return tt.mockError
						}
						*dest[0].(*int) = 4
						return nil
					}}
				},
			}

			repo := NewAttemptRepository(mockPool, zaptest.NewLogger(t))
			count, err := repo.CountFetchAttempts(context.Background(), "user-1", types.ProviderName, since, true)

			if tt.expectedError != "" {
				if err == nil || !containsError(err.Error(), tt.expectedError) {
					t.Errorf("expected error containing '%s', but got %v", tt.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if count != tt.expected {
				t.Errorf("expected %d attempts, got %d", tt.expected, count)
			}
			if !strings.Contains(gotSQL, "cached = FALSE") || !strings.Contains(gotSQL, "action = 'fetch'") {
				t.Errorf("expected only live fetches to be counted: %s", gotSQL)
			}
			if gotArgs[2] != true || gotArgs[3] != since {
				t.Errorf("expected force flag and window start, got %v", gotArgs)
			}
		})
	}
}

func TestEarliestFetchAttempt(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	first := since.Add(90 * time.Minute)

	tests := []struct {
		name     string
		earliest *time.Time
	}{
		{name: "found", earliest: &first},
		{name: "empty_window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockPool := &mockDBPool{
				queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return &mockRow{scanFunc: func(dest ...any) error {
						*dest[0].(**time.Time) = tt.earliest
						return nil
					}}
				},
			}

			repo := NewAttemptRepository(mockPool, zaptest.NewLogger(t))
			got, err := repo.EarliestFetchAttempt(context.Background(), "user-1", types.ProviderName, since, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got == nil) != (tt.earliest == nil) {
				t.Fatalf("expected %v, got %v", tt.earliest, got)
			}
			if got != nil && !got.Equal(first) {
				t.Errorf("expected %v, got %v", first, *got)
			}
		})
	}
}
