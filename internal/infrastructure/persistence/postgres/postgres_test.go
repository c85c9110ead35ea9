package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
)

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"
	assert.Equal(t, "host=localhost port=5432 dbname=carehub user=postgres password=secret sslmode=disable connect_timeout=10", cfg.DSN())

	cfg.URL = "postgres://u:p@db:5432/care"
	assert.Equal(t, "postgres://u:p@db:5432/care", cfg.DSN())

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(10), pc.MaxConns)
}

func TestMigrations_Ordered(t *testing.T) {
	migs := GetMigrations()
	require.NotEmpty(t, migs)
	for i, m := range migs {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL, m.Name)
		assert.NotEmpty(t, m.DownSQL, m.Name)
	}
	assert.Contains(t, migs[1].UpSQL, "WHERE status IN ('pending', 'active')")
}

func TestErrorHelpers(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsNoRows(unique))
}

// The tests below run against a real database when CARE_TEST_DATABASE_URL
// points at a disposable one.
func testConnection(t *testing.T) *Connection {
	t.Helper()
	url := os.Getenv("CARE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CARE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	conn, err := NewConnection(ctx, Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.NoError(t, NewMigrator(conn).Migrate(ctx))
	return conn
}

func uniqueUser(prefix string) shared.UserID {
	return shared.UserID(prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func TestMigrator_RollbackAndReapply(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	m := NewMigrator(conn)
	last := GetMigrations()[len(GetMigrations())-1].Version

	require.NoError(t, m.Rollback(ctx))
	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.False(t, applied[last])

	require.NoError(t, m.Migrate(ctx))
	applied, err = m.Applied(ctx)
	require.NoError(t, err)
	assert.True(t, applied[last])

	require.NoError(t, m.Migrate(ctx), "migrate is idempotent")
}

func TestRiskRepository_Integration(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	repo := NewRiskRepository(conn)
	user := uniqueUser("student")
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.Get(ctx, user)
	assert.ErrorIs(t, err, risk.ErrProfileNotFound)

	p := risk.Advance(risk.NewProfile(user, "uni-it", now), signal.Signal{Category: signal.CategorySelfHarm, Severity: signal.SeverityCritical}, now)
	stored, err := repo.CompareAndSwap(ctx, p, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, risk.StageAction, stored.Stage)

	_, err = repo.CompareAndSwap(ctx, p, 0)
	assert.ErrorIs(t, err, risk.ErrConcurrentUpdate)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := risk.Advance(stored, signal.Signal{Category: signal.CategoryAbuse, Severity: signal.SeverityLow}, now)
			if _, err := repo.CompareAndSwap(ctx, next, stored.Version); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)

	current, err := repo.Get(ctx, user)
	require.NoError(t, err)
	reviewed, review, err := risk.Review(current, risk.StageIsolation, "staff-it", "checked in", now)
	require.NoError(t, err)
	_, err = repo.SaveReview(ctx, reviewed, current.Version, review)
	require.NoError(t, err)

	reviews, err := repo.ListReviews(ctx, user)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, risk.StageIsolation, reviews[0].ToStage)

	counts, err := repo.CountByStageAndLevel(ctx, "uni-it")
	require.NoError(t, err)
	assert.Positive(t, counts[risk.StageLevel{Stage: risk.StageIsolation, Level: risk.LevelHigh}])
}

func TestAssignmentRepository_Integration(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	repo := NewAssignmentRepository(conn)
	student := uniqueUser("student")
	now := time.Now().UTC().Truncate(time.Microsecond)

	newAssignment := func() *escalation.Assignment {
		a, err := escalation.NewAssignment(escalation.NewAssignmentParams{
			ID:            uuid.NewString(),
			StudentUserID: student,
			InstitutionID: "uni-it",
			Priority:      escalation.PriorityHigh,
			Reason:        "flagged",
			RiskLevel:     risk.LevelHigh,
			Now:           now,
		})
		require.NoError(t, err)
		return a
	}

	a := newAssignment()
	require.NoError(t, repo.Create(ctx, a, escalation.NewHistoryEntry(a, "", "staff-it", "")))
	b := newAssignment()
	assert.ErrorIs(t, repo.Create(ctx, b, escalation.NewHistoryEntry(b, "", "staff-it", "")), escalation.ErrDuplicateActiveAssignment)

	stale, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)

	guard := escalation.GuardOf(a)
	require.NoError(t, a.Accept("staff-1", now))
	require.NoError(t, repo.Save(ctx, a, guard, escalation.NewHistoryEntry(a, escalation.StatusPending, "staff-1", "")))

	staleGuard := escalation.GuardOf(stale)
	require.NoError(t, stale.Accept("staff-2", now))
	assert.ErrorIs(t, repo.Save(ctx, stale, staleGuard, escalation.HistoryEntry{}), escalation.ErrStaleAssignment)

	history, err := repo.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	log := NewResponseLogRepository(conn)
	entry := &escalation.ResponseLogEntry{
		ID:              uuid.NewString(),
		AssignmentID:    &a.ID,
		StudentUserID:   student,
		ResponderUserID: "staff-1",
		ActionType:      escalation.ActionContactedStudent,
		CreatedAt:       now,
	}
	require.NoError(t, log.Append(ctx, entry))
	entries, err := log.ListByStudent(ctx, student, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
}

func TestDeferredQueue_Integration(t *testing.T) {
	conn := testConnection(t)
	ctx := context.Background()
	q := NewDeferredQueue(conn)

	d := risk.DeferredSignal{
		ID:           uuid.NewString(),
		UserID:       uniqueUser("student"),
		Category:     signal.CategorySelfHarm,
		Severity:     signal.SeverityHigh,
		MatchedTerms: []string{"suicide"},
		ReceivedAt:   time.Now().UTC(),
	}
	require.NoError(t, q.Defer(ctx, d))
	require.NoError(t, q.RecordAttempt(ctx, d.ID, "conflict"))
	require.NoError(t, q.Resolve(ctx, d.ID))
	assert.ErrorIs(t, q.Resolve(ctx, d.ID), risk.ErrDeferredNotFound)
}
