package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fitsync/internal/config"
)

func TestExecTxCommitsAndRollsBack(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.DB.Exec(`CREATE TABLE t (n INTEGER)`)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t VALUES (1)`)
		return err
	}))

	boom := errors.New("boom")
	err = db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t VALUES (2)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.DB.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestOpenSQLiteFileUsesWAL(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var mode string
	require.NoError(t, db.DB.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
	require.Equal(t, SQLite, db.Driver)
}

func TestDSNs(t *testing.T) {
	cfg := config.RemoteConfig{Host: "db", Port: 3306, User: "app", Password: "pw", Database: "fit"}
	dsn := MySQLDSN(cfg)
	require.Contains(t, dsn, "app:pw@tcp(db:3306)/fit")
	require.Contains(t, dsn, "parseTime=true")

	cfg.Port = 5432
	cfg.Params = "sslmode=disable"
	require.Equal(t, "postgres://app:pw@db:5432/fit?sslmode=disable", PostgresDSN(cfg))
}
