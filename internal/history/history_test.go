package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txnload/internal/scenario"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func result(name string, committed uint64) *scenario.Result {
	return &scenario.Result{
		ScenarioName: name,
		Mode:         "continuous",
		StartTime:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:     2 * time.Second,
		Committed:    committed,
		Conserved:    true,
		FinalCoordinatorStatus: map[string]string{
			"coord-1": "running",
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openTemp(t)

	id, err := s.Save(result("basic", 42))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "basic", rec.Result.ScenarioName)
	assert.Equal(t, uint64(42), rec.Result.Committed)
	assert.Equal(t, 2*time.Second, rec.Result.Duration)
	assert.True(t, rec.Result.Conserved)
	assert.Equal(t, "running", rec.Result.FinalCoordinatorStatus["coord-1"])
}

func TestSaveNil(t *testing.T) {
	s := openTemp(t)

	_, err := s.Save(nil)
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestGetMissing(t *testing.T) {
	s := openTemp(t)

	_, err := s.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := openTemp(t)

	for i := 1; i <= 5; i++ {
		_, err := s.Save(result(fmt.Sprintf("run-%d", i), uint64(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.Len())

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(5), all[0].ID)
	assert.Equal(t, "run-5", all[0].Result.ScenarioName)
	assert.Equal(t, uint64(1), all[4].ID)

	limited, err := s.List(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(5), limited[0].ID)
	assert.Equal(t, uint64(4), limited[1].ID)
}

func TestListEmpty(t *testing.T) {
	s := openTemp(t)

	records, err := s.List(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReopenKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Save(result("first", 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Save(result("second", 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, 2, s.Len())
}
