//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/birdnet-search/internal/datastore"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
)

// newMySQLStore starts a disposable MySQL container and returns a migrated Store.
func newMySQLStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := mysql.Run(ctx, "mysql:8.0.36",
		mysql.WithDatabase("search_test"),
		mysql.WithUsername("search"),
		mysql.WithPassword("search"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "charset=utf8mb4")
	require.NoError(t, err)

	db, err := datastore.OpenMySQLDSN(dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, datastore.Migrate(db))

	return New(db.Gorm, db.IsMySQL())
}

func TestMySQLDeployLocksActiveModels(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()

	first := &entities.ClassifierModel{CategoryID: 1, ModelType: "logistic_regression", TrainingSource: entities.TrainingSourceSession, Version: 1, Status: entities.ModelDeployed, IsActive: true}
	second := &entities.ClassifierModel{CategoryID: 1, ModelType: "logistic_regression", TrainingSource: entities.TrainingSourceSession, Version: 2, Status: entities.ModelTrained}
	require.NoError(t, s.CreateModel(ctx, first))
	require.NoError(t, s.CreateModel(ctx, second))

	err := s.Transaction(ctx, func(tx *Store) error {
		active, err := tx.LockActiveModels(ctx, 1)
		if err != nil {
			return err
		}
		assert.Len(t, active, 1)
		if _, err := tx.DeactivateModels(ctx, 1, second.ID); err != nil {
			return err
		}
		now := time.Now()
		return tx.UpdateModel(ctx, second.ID, map[string]any{
			"is_active":   true,
			"status":      entities.ModelDeployed,
			"deployed_at": now,
		})
	})
	require.NoError(t, err)

	active, err := s.ActiveModel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestMySQLSwapLabel(t *testing.T) {
	s := newMySQLStore(t)
	ctx := context.Background()
	session := seedSession(t, s)

	require.NoError(t, s.CreateCandidates(ctx, []entities.Candidate{
		{SessionID: session.ID, ClipID: "c1", Similarity: 0.9, Rank: 1, SampleType: entities.SampleEasyPositive},
	}))
	rows, err := s.ListSessionCandidates(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	ok, err := s.SwapLabel(ctx, rows[0].ID, rows[0].Version, LabelUpdate{State: entities.LabelNegative})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SwapLabel(ctx, rows[0].ID, rows[0].Version, LabelUpdate{State: entities.LabelSkipped})
	require.NoError(t, err)
	assert.False(t, ok)
}
