package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nickpoorman/http-requeue/store"
	"github.com/nickpoorman/http-requeue/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "requeue.db"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requeue.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "ns", []byte{0x01, 0x02}, []byte("v")))
	require.NoError(t, s.Close())

	// Opening again must not fail on the existing table.
	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "ns", []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, DefaultTable, s.Table())
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"requeue_entries"`, quoteIdentifier("requeue_entries"))
	assert.Equal(t, `"we""ird"`, quoteIdentifier(`we"ird`))
}

func TestOpenPostgresEmptyDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "  ", "")
	assert.Error(t, err)
}

var postgresTableCounter uint64

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("REQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set REQUEUE_TEST_POSTGRES_DSN to run postgres integration tests")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		table := fmt.Sprintf("requeue_it_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&postgresTableCounter, 1))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := OpenPostgres(ctx, dsn, table)
		require.NoError(t, err)
		t.Cleanup(func() {
			drop, err := OpenPostgres(context.Background(), dsn, table)
			if err != nil {
				return
			}
			defer drop.Close()
			_, _ = drop.DB().Exec("DROP TABLE IF EXISTS " + postgresDialect.quote(table))
		})
		return s
	})
}
