package history_test

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "history-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func record(index int) history.Record {
	return history.Record{
		ID:          fmt.Sprintf("job-%02d", index),
		Timestamp:   time.Unix(int64(index), 0).UTC(),
		TextPreview: "text",
		ProfileID:   "tina",
		WordCount:   index,
	}
}

func openStore(t *testing.T) (*history.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "renders", "history.json")

	store, err := history.Open(path, 0, newTestLogger(t))
	require.NoError(t, err)

	return store, path
}

func TestAppend_CapsAtFiftyNewestFirst(t *testing.T) {
	t.Parallel()

	store, path := openStore(t)

	for i := 1; i <= 51; i++ {
		require.NoError(t, store.Append(record(i)))
	}

	assert.Equal(t, history.DefaultCapacity, store.Len())

	page, err := store.Page(1, 100)
	require.NoError(t, err)
	assert.Equal(t, "job-51", page.Records[0].ID)
	assert.Equal(t, "job-02", page.Records[len(page.Records)-1].ID)

	_, err = store.Lookup("job-01")
	require.ErrorIs(t, err, core.ErrNotFound)

	reopened, err := history.Open(path, 0, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, history.DefaultCapacity, reopened.Len())

	found, err := reopened.Lookup("job-51")
	require.NoError(t, err)
	assert.Equal(t, 51, found.WordCount)
}

func TestPage_Metadata(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	for i := 1; i <= 7; i++ {
		require.NoError(t, store.Append(record(i)))
	}

	first, err := store.Page(1, 3)
	require.NoError(t, err)
	assert.Len(t, first.Records, 3)
	assert.Equal(t, 7, first.TotalRecords)
	assert.Equal(t, 3, first.TotalPages)
	assert.True(t, first.HasNext)
	assert.False(t, first.HasPrev)

	last, err := store.Page(3, 3)
	require.NoError(t, err)
	require.Len(t, last.Records, 1)
	assert.Equal(t, "job-01", last.Records[0].ID)
	assert.False(t, last.HasNext)
	assert.True(t, last.HasPrev)

	beyond, err := store.Page(9, 3)
	require.NoError(t, err)
	assert.Empty(t, beyond.Records)
}

func TestPage_HugeArgumentsStayInRange(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	for i := 1; i <= 7; i++ {
		require.NoError(t, store.Append(record(i)))
	}

	whole, err := store.Page(1, math.MaxInt)
	require.NoError(t, err)
	assert.Len(t, whole.Records, 7)
	assert.Equal(t, 1, whole.TotalPages)
	assert.Equal(t, history.DefaultCapacity, whole.PageSize)
	assert.False(t, whole.HasNext)

	testCases := []struct {
		name     string
		pageNum  int
		pageSize int
	}{
		{name: "page past int range when multiplied", pageNum: 1 << 62, pageSize: 4},
		{name: "both maximal", pageNum: math.MaxInt, pageSize: math.MaxInt},
		{name: "last int page", pageNum: math.MaxInt, pageSize: 1},
	}

	for _, testCase := range testCases {
		page, err := store.Page(testCase.pageNum, testCase.pageSize)
		require.NoError(t, err, testCase.name)
		assert.Empty(t, page.Records, testCase.name)
		assert.Positive(t, page.TotalPages, testCase.name)
		assert.True(t, page.HasPrev, testCase.name)
		assert.False(t, page.HasNext, testCase.name)
	}
}

func TestPage_RejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	_, err := store.Page(0, 10)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = store.Page(1, 0)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestAppend_RequiresID(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)

	require.ErrorIs(t, store.Append(history.Record{}), core.ErrValidation)
}

func TestAppend_WriteFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	store, path := openStore(t)
	require.NoError(t, os.MkdirAll(path+".tmp", 0o755))

	err := store.Append(record(1))
	require.ErrorIs(t, err, core.ErrPersistence)
	assert.Zero(t, store.Len())
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := history.Open(path, 0, newTestLogger(t))
	require.NoError(t, err)
	assert.Zero(t, store.Len())

	require.NoError(t, store.Append(record(1)))
	assert.Equal(t, 1, store.Len())
}

func TestPreview(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", history.Preview("short"))

	long := strings.Repeat("ă", 150)
	preview := history.Preview(long)
	assert.Equal(t, strings.Repeat("ă", 100)+"...", preview)
}
