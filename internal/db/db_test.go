package db

import (
	"path/filepath"
	"testing"

	"gemini-gateway/internal/models"

	"github.com/stretchr/testify/require"
)

func TestNew_MigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.db")

	gormDB, err := New(path)
	require.NoError(t, err)
	defer Close(gormDB)

	require.True(t, gormDB.Migrator().HasTable(&models.APIKey{}))
	require.True(t, gormDB.Migrator().HasTable(&models.KeyStats{}))
	require.True(t, gormDB.Migrator().HasTable(&models.RateLimitEvent{}))
	require.True(t, gormDB.Migrator().HasTable(&models.Suspension{}))
	require.True(t, gormDB.Migrator().HasTable(&models.GlobalState{}))

	var state models.GlobalState
	require.NoError(t, gormDB.First(&state, "key = ?", models.FreeKeyFailuresStateKey).Error)
	require.Equal(t, "0", state.Value)
}

func TestNew_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "api_keys.db")

	gormDB, err := New(path)
	require.NoError(t, err)
	defer Close(gormDB)
}
