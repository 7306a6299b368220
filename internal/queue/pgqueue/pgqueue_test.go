package pgqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barcode-identifier/barrel/internal/queue"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeDB hands out queued run ids to receive queries.
type fakeDB struct {
	execs   []execCall
	pending []uuid.UUID
	polls   int
	err     error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), f.err
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if sql == depthSQL {
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*int) = len(f.pending)
			return nil
		}}
	}
	f.polls++
	return fakeRow{scan: func(dest ...any) error {
		if f.err != nil {
			return f.err
		}
		if len(f.pending) == 0 {
			return pgx.ErrNoRows
		}
		*dest[0].(*uuid.UUID) = f.pending[0]
		*dest[1].(*int) = 1
		f.pending = f.pending[1:]
		return nil
	}}
}

func TestQueue_Receive(t *testing.T) {
	id := uuid.New()
	db := &fakeDB{pending: []uuid.UUID{id}}
	q := New(db, Config{PollInterval: time.Millisecond})
	ctx := context.Background()

	n, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.RunID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, id.String(), d.Receipt)

	require.NoError(t, q.Nack(ctx, d))
	require.Len(t, db.execs, 1)
	assert.Equal(t, nackSQL, db.execs[0].sql)
	assert.Equal(t, []any{id, 10.0}, db.execs[0].args)

	require.NoError(t, q.Ack(ctx, d))
	assert.Equal(t, ackSQL, db.execs[1].sql)
}

func TestQueue_ReleaseExtend(t *testing.T) {
	db := &fakeDB{}
	q := New(db, Config{Lease: 10 * time.Minute})
	ctx := context.Background()
	d := &queue.Delivery{RunID: uuid.New(), Attempt: 2}

	require.NoError(t, q.Extend(ctx, d))
	require.NoError(t, q.Release(ctx, d))
	require.Len(t, db.execs, 2)
	assert.Equal(t, extendSQL, db.execs[0].sql)
	assert.Equal(t, []any{d.RunID, 600.0}, db.execs[0].args)
	assert.Equal(t, releaseSQL, db.execs[1].sql)
	assert.Equal(t, []any{d.RunID}, db.execs[1].args)
}

func TestQueue_ReceiveWaits(t *testing.T) {
	db := &fakeDB{}
	q := New(db, Config{PollInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, db.polls, 1)
}

func TestQueue_Errors(t *testing.T) {
	boom := errors.New("connection refused")
	q := New(&fakeDB{err: boom}, Config{})
	ctx := context.Background()

	_, err := q.Receive(ctx)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, q.Enqueue(ctx, uuid.New()), boom)
	require.ErrorIs(t, q.Ack(ctx, &queue.Delivery{RunID: uuid.New()}), boom)
	require.ErrorIs(t, q.Extend(ctx, &queue.Delivery{RunID: uuid.New()}), boom)
}
