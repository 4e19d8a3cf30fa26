package inventory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

// recordingExec answers every UPDATE with the next tag in tags.
type recordingExec struct {
	calls []execCall
	tags  []string
	err   error
}

func (r *recordingExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.calls = append(r.calls, execCall{sql: sql, args: args})
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := "UPDATE 1"
	if len(r.tags) > 0 {
		tag, r.tags = r.tags[0], r.tags[1:]
	}
	return pgconn.NewCommandTag(tag), nil
}

func TestReserveLocksInVariantOrder(t *testing.T) {
	ex := &recordingExec{}
	err := Reserve(context.Background(), ex, []Line{{"v3", 1}, {"v1", 2}, {"v2", 1}})
	require.NoError(t, err)

	require.Len(t, ex.calls, 3)
	assert.Equal(t, "v1", ex.calls[0].args[0])
	assert.Equal(t, "v2", ex.calls[1].args[0])
	assert.Equal(t, "v3", ex.calls[2].args[0])
	assert.True(t, strings.Contains(ex.calls[0].sql, "stock >= $2"), "decrement must be guarded")
}

func TestReserveStopsAtFirstShortage(t *testing.T) {
	ex := &recordingExec{tags: []string{"UPDATE 1", "UPDATE 0", "UPDATE 1"}}
	err := Reserve(context.Background(), ex, []Line{{"a", 1}, {"b", 5}, {"c", 1}})

	var short *ShortageError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "b", short.VariantID)
	assert.Equal(t, 5, short.Requested)
	assert.Len(t, ex.calls, 2)
}

func TestReservePropagatesDriverError(t *testing.T) {
	boom := errors.New("conn reset")
	err := Reserve(context.Background(), &recordingExec{err: boom}, []Line{{"a", 1}})
	assert.ErrorIs(t, err, boom)
}

func TestRestoreSkipsEmptyLines(t *testing.T) {
	ex := &recordingExec{}
	err := Restore(context.Background(), ex, []Line{{"", 2}, {"b", 0}, {"a", 3}})
	require.NoError(t, err)
	require.Len(t, ex.calls, 1)
	assert.Equal(t, []any{"a", 3}, ex.calls[0].args)
}

func TestSortedDoesNotMutateInput(t *testing.T) {
	in := []Line{{"b", 1}, {"a", 1}}
	out := Sorted(in)
	assert.Equal(t, "b", in[0].VariantID)
	assert.Equal(t, "a", out[0].VariantID)
}
