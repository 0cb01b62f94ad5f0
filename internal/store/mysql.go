package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenGRC-Risk/internal/errors"
)

// MySQLConfig describes the connection pool of a MySQLStore.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore keeps every record in one key/value table.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore opens the pool and applies pending migrations.
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return newMySQLStore(db), nil
}

func newMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn is required")
	}
	parsed, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse mysql dsn")
	}
	parsed.ParseTime = true
	connector, err := mysql.NewConnector(parsed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "build mysql connector")
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "ping mysql")
	}
	return db, nil
}

const (
	upsertRecordSQL = `INSERT INTO records (record_key, record_value, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE record_value = VALUES(record_value), updated_at = VALUES(updated_at)`
	selectRecordSQL = `SELECT record_value FROM records WHERE record_key = ?`
	listRecordsSQL  = `SELECT record_key, record_value FROM records WHERE record_key LIKE ? ESCAPE '\\' ORDER BY record_key`
	deleteRecordSQL = `DELETE FROM records WHERE record_key = ?`
)

// Put implements Store.
func (s *MySQLStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, upsertRecordSQL, key, value, s.now().Unix()); err != nil {
		return classifyMySQLError(err, "write record "+key)
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(ctx, selectRecordSQL, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(key)
		}
		return nil, classifyMySQLError(err, "read record "+key)
	}
	return value, nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, listRecordsSQL, likePrefix(prefix))
	if err != nil {
		return nil, classifyMySQLError(err, "list records")
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, classifyMySQLError(err, "scan record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyMySQLError(err, "iterate records")
	}
	return out, nil
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteRecordSQL, key); err != nil {
		return classifyMySQLError(err, "delete record "+key)
	}
	return nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// MySQL error numbers that point at the caller rather than the server.
const (
	mysqlErrDataTooLong = 1406
	mysqlErrBadNull     = 1048
)

func classifyMySQLError(err error, action string) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDataTooLong, mysqlErrBadNull:
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, action)
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("mysql: %s", action))
}
