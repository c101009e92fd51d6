package rowstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countNodes(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.View(context.Background(), func(tx *Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n)
	}))
	return n
}

func TestOpen_RejectsSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first, err := Open(ctx, path, Options{})
	require.NoError(t, err)

	_, err = Open(ctx, path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStoreLocked)

	// an independent connection, as another process would use, cannot write either
	raw, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(50)", path))
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`INSERT INTO nodes (kind) VALUES (1)`)
	assert.Error(t, err)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "close is idempotent")

	reopened, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestUpdate_CommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	errBoom := stderrors.New("boom")

	var committed, rolledBack bool
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		_, err := tx.NewNode(KindEntity)
		tx.OnCommit(func() { committed = true })
		return err
	}))
	assert.True(t, committed)
	assert.Equal(t, 1, countNodes(t, s))

	err := s.Update(ctx, func(tx *Tx) error {
		_, err := tx.NewNode(KindEntity)
		require.NoError(t, err)
		tx.OnRollback(func() { rolledBack = true })
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, rolledBack)
	assert.Equal(t, 1, countNodes(t, s))
}

func TestUpdate_CanceledKeepsCompletedWork(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			if tx.Context().Err() != nil {
				return errors.Canceled(tx.Context(), "test", "walk")
			}
			if _, err := tx.NewNode(KindEntity); err != nil {
				return err
			}
			if i == 2 {
				cancel()
			}
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsCanceled(err))
	assert.Equal(t, 3, countNodes(t, s))
}

func TestUpdate_PanicRollsBack(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(context.Background(), func(tx *Tx) error {
		_, _ = tx.NewNode(KindRoot)
		panic("bug")
	})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 0, countNodes(t, s))
}

func TestUpdate_ClosedStore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	err := s.Update(context.Background(), func(*Tx) error { return nil })
	assert.ErrorIs(t, err, errors.ErrStoreClosed)
}

func TestTx_NodesAndLinksCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		a, err := tx.NewNode(KindRoot)
		require.NoError(t, err)
		b, err := tx.NewNode(KindEntity)
		require.NoError(t, err)
		assert.Greater(t, b, a)

		kind, err := tx.NodeKindOf(b)
		require.NoError(t, err)
		assert.Equal(t, KindEntity, kind)

		_, err = tx.NodeKindOf(9999)
		assert.True(t, errors.IsNotFound(err))

		_, err = tx.Exec(`INSERT INTO links (source_id, target_id, kind) VALUES (?, ?, 0)`, a, b)
		require.NoError(t, err)

		n, err := tx.DeleteNodeRows([]NodeID{a})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var links int
		require.NoError(t, tx.QueryRow(`SELECT COUNT(*) FROM links`).Scan(&links))
		assert.Equal(t, 0, links)

		exists, err := tx.NodeExists(b)
		require.NoError(t, err)
		assert.True(t, exists)
		return nil
	}))
}

func TestTx_IDsNeverReused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var first NodeID
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.NewNode(KindEntity)
		if err != nil {
			return err
		}
		_, err = tx.DeleteNodeRows([]NodeID{first})
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		next, err := tx.NewNode(KindEntity)
		assert.Greater(t, next, first)
		return err
	}))
}

func TestTx_NextSequence(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		for want := int64(1); want <= 3; want++ {
			got, err := tx.NextSequence("change_number")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		other, err := tx.NextSequence("other")
		assert.Equal(t, int64(1), other)
		return err
	}))
}

func TestInClause(t *testing.T) {
	q, args := InClause(`SELECT id FROM nodes WHERE kind = ? AND id IN (%s)`, []NodeID{4, 5}, 1)
	assert.Equal(t, `SELECT id FROM nodes WHERE kind = ? AND id IN (?,?)`, q)
	assert.Equal(t, []any{1, int64(4), int64(5)}, args)
}
