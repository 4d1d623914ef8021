package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/search"
	"github.com/pstryder/receiptgate/pkg/store"
)

// fakeStore embeds store.ReceiptStore and records the filter it was called
// with so tests can assert on clamping behavior.
type fakeStore struct {
	store.ReceiptStore
	gotFilter contracts.SearchFilter
	gotTaskID string
	stats     *contracts.Stats
}

func (f *fakeStore) Search(_ context.Context, _ string, filter contracts.SearchFilter) (*contracts.SearchResult, error) {
	f.gotFilter = filter
	return &contracts.SearchResult{Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (f *fakeStore) Stats(context.Context, string) (*contracts.Stats, error) {
	return f.stats, nil
}

func TestSearch_DefaultsLimitWhenUnset(t *testing.T) {
	fs := &fakeStore{}
	s := search.New(fs, 25, 100)
	result, err := s.Search(context.Background(), "tenant-1", contracts.SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, 25, result.Limit)
	assert.Equal(t, 25, fs.gotFilter.Limit)
}

func TestSearch_ClampsLimitToMax(t *testing.T) {
	fs := &fakeStore{}
	s := search.New(fs, 25, 100)
	result, err := s.Search(context.Background(), "tenant-1", contracts.SearchFilter{Limit: 9999})
	require.NoError(t, err)
	assert.Equal(t, 100, result.Limit)
}

func TestSearch_NegativeOffsetClampedToZero(t *testing.T) {
	fs := &fakeStore{}
	s := search.New(fs, 25, 100)
	_, err := s.Search(context.Background(), "tenant-1", contracts.SearchFilter{Offset: -5})
	require.NoError(t, err)
	assert.Equal(t, 0, fs.gotFilter.Offset)
}

func TestListByTask_SetsTaskIDFilter(t *testing.T) {
	fs := &fakeStore{}
	s := search.New(fs, 25, 100)
	_, err := s.ListByTask(context.Background(), "tenant-1", "task-42", 0)
	require.NoError(t, err)
	require.NotNil(t, fs.gotFilter.TaskID)
	assert.Equal(t, "task-42", *fs.gotFilter.TaskID)
	assert.Equal(t, 25, fs.gotFilter.Limit)
}

func TestStats_PassesThrough(t *testing.T) {
	want := &contracts.Stats{TotalReceipts: 7}
	fs := &fakeStore{stats: want}
	s := search.New(fs, 25, 100)
	got, err := s.Stats(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNew_DefaultsClamps(t *testing.T) {
	s := search.New(&fakeStore{}, 0, 0)
	assert.Equal(t, 50, s.DefaultLimit)
	assert.Equal(t, 500, s.MaxLimit)
}
