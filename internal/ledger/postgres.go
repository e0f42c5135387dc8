package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	logx "funnelbot/pkg/logx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
    user_id       BIGINT PRIMARY KEY,
    username      TEXT,
    status        TEXT NOT NULL,
    paid          BOOLEAN NOT NULL DEFAULT FALSE,
    last_index    INT NOT NULL DEFAULT 0,
    subscribed_at TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers(status);
`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) Upsert(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.UserID == 0 {
		return errors.New("ledger: zero user id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, username, status, paid, last_index, subscribed_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username,
		   status=excluded.status,
		   paid=excluded.paid,
		   last_index=excluded.last_index,
		   updated_at=excluded.updated_at`,
		e.UserID, nullStr(e.Username), e.Status, e.Paid, e.LastIndex, e.SubscribedAt, e.UpdatedAt,
	)
	return err
}

func (s *postgresStore) Get(ctx context.Context, userID int64) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, status, paid, last_index, subscribed_at, updated_at
		 FROM subscribers WHERE user_id = $1`, userID)

	var (
		e        Entry
		username sql.NullString
	)
	err := row.Scan(&e.UserID, &username, &e.Status, &e.Paid, &e.LastIndex, &e.SubscribedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Username = username.String
	return e, true, nil
}

func (s *postgresStore) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, status, paid, last_index, subscribed_at, updated_at
		 FROM subscribers ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			username sql.NullString
		)
		if err := rows.Scan(&e.UserID, &username, &e.Status, &e.Paid, &e.LastIndex, &e.SubscribedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Username = username.String
		out = append(out, e)
	}
	return out, rows.Err()
}
