// Package pgstore implements the device registry and response log on
// PostgreSQL, the storage backend for horizontally scaled deployments.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database"
	"github.com/VoIPGRID/vialer-middleware/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides device and response log storage backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PingContext checks the connection; the scraper uses it for the db_health
// gauge.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, name).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}

		slog.Info("applied migration", "version", name)
	}

	return nil
}

// GetDevice returns the device registered for the given SIP user id, joined
// with its app row. Returns database.ErrNotFound when no device is registered.
func (s *Store) GetDevice(ctx context.Context, sipUserID string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT d.sip_user_id, d.token, d.name, d.os_version, d.client_version,
		        d.sandbox, d.remote_logging_id, d.last_seen,
		        a.id, a.app_id, a.platform, a.push_key
		 FROM devices d JOIN apps a ON a.id = d.app_id
		 WHERE d.sip_user_id = $1`, sipUserID)

	var dev models.Device
	err := row.Scan(&dev.SIPUserID, &dev.Token, &dev.Name, &dev.OSVersion,
		&dev.ClientVersion, &dev.Sandbox, &dev.RemoteLogID, &dev.LastSeen,
		&dev.App.ID, &dev.App.AppID, &dev.App.Platform, &dev.App.PushKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &dev, nil
}

// GetApp returns the app with the given app id and platform, or
// database.ErrNotFound.
func (s *Store) GetApp(ctx context.Context, appID, platform string) (*models.App, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, platform, push_key FROM apps WHERE app_id = $1 AND platform = $2`,
		appID, platform)

	var app models.App
	err := row.Scan(&app.ID, &app.AppID, &app.Platform, &app.PushKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying app: %w", err)
	}
	return &app, nil
}

// CreateApp inserts a new app row.
func (s *Store) CreateApp(ctx context.Context, app *models.App) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO apps (app_id, platform, push_key) VALUES ($1, $2, $3) RETURNING id`,
		app.AppID, app.Platform, app.PushKey).Scan(&app.ID)
	if err != nil {
		return fmt.Errorf("inserting app: %w", err)
	}
	return nil
}

// UpsertDevice creates or updates the device registration keyed by
// dev.SIPUserID. It reports whether a new row was created and, on token
// change of an existing registration, the token that was replaced.
func (s *Store) UpsertDevice(ctx context.Context, dev *models.Device) (created bool, oldToken string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var prevToken string
	err = tx.QueryRowContext(ctx,
		`SELECT token FROM devices WHERE sip_user_id = $1 FOR UPDATE`, dev.SIPUserID).Scan(&prevToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return false, "", fmt.Errorf("querying existing device: %w", err)
	}

	if created {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO devices (sip_user_id, app_id, token, name, os_version,
			                      client_version, sandbox, remote_logging_id, last_seen)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
			dev.SIPUserID, dev.App.ID, dev.Token, dev.Name, dev.OSVersion,
			dev.ClientVersion, dev.Sandbox, dev.RemoteLogID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET app_id = $1, token = $2, name = $3, os_version = $4,
			        client_version = $5, sandbox = $6, remote_logging_id = $7, last_seen = now()
			 WHERE sip_user_id = $8`,
			dev.App.ID, dev.Token, dev.Name, dev.OSVersion, dev.ClientVersion,
			dev.Sandbox, dev.RemoteLogID, dev.SIPUserID)
		if prevToken != dev.Token {
			oldToken = prevToken
		}
	}
	if err != nil {
		return false, "", fmt.Errorf("writing device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("committing device upsert: %w", err)
	}
	return created, oldToken, nil
}

// DeleteDevice removes the registration matching all of the given fields.
// Returns database.ErrNotFound when no such registration exists.
func (s *Store) DeleteDevice(ctx context.Context, sipUserID, token, appID, platform string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE sip_user_id = $1 AND token = $2
		 AND app_id IN (SELECT id FROM apps WHERE app_id = $3 AND platform = $4)`,
		sipUserID, token, appID, platform)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// InsertResponseLog appends one row to the durable response log.
func (s *Store) InsertResponseLog(ctx context.Context, entry *models.ResponseLog) error {
	date := entry.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO response_log (platform, roundtrip_time, available, date)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		entry.Platform, entry.RoundtripTime, entry.Available, date).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("inserting response log: %w", err)
	}
	return nil
}
