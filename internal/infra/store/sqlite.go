package store

import (
	"context"
	"database/sql"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/osa030/scrobblebox/internal/domain/submission"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
		key          TEXT PRIMARY KEY,
		service      TEXT NOT NULL,
		account      TEXT NOT NULL,
		artist       TEXT NOT NULL,
		title        TEXT NOT NULL,
		album        TEXT NOT NULL DEFAULT '',
		started_at   INTEGER NOT NULL,
		submitted_at INTEGER NOT NULL,
		run_id       TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS submissions_account
		ON submissions (service, account, submitted_at);`,
}

// SQLiteStore keeps records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "open submission db")
	}
	// One writer at a time; workers queue on the pool instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migrate submission schema")
		}
	}

	zlog.Debug().Msgf("opened sqlite store: path=%s", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Has(ctx context.Context, key submission.Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE key = ?`, string(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query submission")
	}
	return true, nil
}

// Record inserts rec; recording an existing key is a no-op.
func (s *SQLiteStore) Record(ctx context.Context, rec submission.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO submissions
			(key, service, account, artist, title, album, started_at, submitted_at, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Key), rec.Service, rec.Account, rec.Artist, rec.Title, rec.Album,
		rec.StartedAt.Unix(), rec.SubmittedAt.Unix(), rec.RunID,
	)
	if err != nil {
		return errors.Wrapf(err, "record submission %s", rec.Key)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context, service, account string) (Stats, error) {
	var (
		count int
		last  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(submitted_at) FROM submissions WHERE service = ? AND account = ?`,
		service, account,
	).Scan(&count, &last)
	if err != nil {
		return Stats{}, errors.Wrap(err, "query submission stats")
	}

	stats := Stats{Count: count}
	if last.Valid {
		stats.Last = time.Unix(last.Int64, 0).UTC()
	}
	return stats, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, service, account string, limit int) ([]submission.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, artist, title, album, started_at, submitted_at, run_id
			FROM submissions WHERE service = ? AND account = ?
			ORDER BY started_at DESC LIMIT ?`,
		service, account, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent submissions")
	}
	defer rows.Close()

	var out []submission.Record
	for rows.Next() {
		var (
			rec                  submission.Record
			key                  string
			started, submittedAt int64
		)
		if err := rows.Scan(&key, &rec.Artist, &rec.Title, &rec.Album, &started, &submittedAt, &rec.RunID); err != nil {
			return nil, errors.Wrap(err, "scan submission")
		}
		rec.Key = submission.Key(key)
		rec.Service = service
		rec.Account = account
		rec.StartedAt = time.Unix(started, 0).UTC()
		rec.SubmittedAt = time.Unix(submittedAt, 0).UTC()
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate submissions")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
