package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("database: not found")

// timeLayouts covers values written by Go (RFC 3339) and by SQLite's
// datetime('now') default.
var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// GetDevice returns the device registered for the given SIP user id, joined
// with its app row. Returns ErrNotFound when no device is registered.
func (db *DB) GetDevice(ctx context.Context, sipUserID string) (*models.Device, error) {
	row := db.QueryRowContext(ctx,
		`SELECT d.sip_user_id, d.token, d.name, d.os_version, d.client_version,
		        d.sandbox, d.remote_logging_id, d.last_seen,
		        a.id, a.app_id, a.platform, a.push_key
		 FROM devices d JOIN apps a ON a.id = d.app_id
		 WHERE d.sip_user_id = ?`, sipUserID)

	var dev models.Device
	var sandbox int
	var lastSeen string
	err := row.Scan(&dev.SIPUserID, &dev.Token, &dev.Name, &dev.OSVersion,
		&dev.ClientVersion, &sandbox, &dev.RemoteLogID, &lastSeen,
		&dev.App.ID, &dev.App.AppID, &dev.App.Platform, &dev.App.PushKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	dev.Sandbox = sandbox != 0
	dev.LastSeen = parseTime(lastSeen)
	return &dev, nil
}

// GetApp returns the app with the given app id and platform, or ErrNotFound.
func (db *DB) GetApp(ctx context.Context, appID, platform string) (*models.App, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, app_id, platform, push_key FROM apps WHERE app_id = ? AND platform = ?`,
		appID, platform)

	var app models.App
	err := row.Scan(&app.ID, &app.AppID, &app.Platform, &app.PushKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying app: %w", err)
	}
	return &app, nil
}

// CreateApp inserts a new app row. Apps are provisioned administratively, one
// row per (app id, platform) pair.
func (db *DB) CreateApp(ctx context.Context, app *models.App) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO apps (app_id, platform, push_key) VALUES (?, ?, ?)`,
		app.AppID, app.Platform, app.PushKey)
	if err != nil {
		return fmt.Errorf("inserting app: %w", err)
	}
	app.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting app id: %w", err)
	}
	return nil
}

// UpsertDevice creates or updates the device registration keyed by
// dev.SIPUserID. It reports whether a new row was created and, on token
// change of an existing registration, the token that was replaced.
func (db *DB) UpsertDevice(ctx context.Context, dev *models.Device) (created bool, oldToken string, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var prevToken string
	err = tx.QueryRowContext(ctx,
		`SELECT token FROM devices WHERE sip_user_id = ?`, dev.SIPUserID).Scan(&prevToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return false, "", fmt.Errorf("querying existing device: %w", err)
	}

	lastSeen := time.Now().UTC().Format(time.RFC3339)
	if created {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO devices (sip_user_id, app_id, token, name, os_version,
			                      client_version, sandbox, remote_logging_id, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dev.SIPUserID, dev.App.ID, dev.Token, dev.Name, dev.OSVersion,
			dev.ClientVersion, boolToInt(dev.Sandbox), dev.RemoteLogID, lastSeen)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET app_id = ?, token = ?, name = ?, os_version = ?,
			        client_version = ?, sandbox = ?, remote_logging_id = ?, last_seen = ?
			 WHERE sip_user_id = ?`,
			dev.App.ID, dev.Token, dev.Name, dev.OSVersion, dev.ClientVersion,
			boolToInt(dev.Sandbox), dev.RemoteLogID, lastSeen, dev.SIPUserID)
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
// Returns ErrNotFound when no such registration exists.
func (db *DB) DeleteDevice(ctx context.Context, sipUserID, token, appID, platform string) error {
	res, err := db.ExecContext(ctx,
		`DELETE FROM devices WHERE sip_user_id = ? AND token = ?
		 AND app_id IN (SELECT id FROM apps WHERE app_id = ? AND platform = ?)`,
		sipUserID, token, appID, platform)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertResponseLog appends one row to the durable response log. The call
// path invokes this from a goroutine so a slow write never delays an HTTP
// reply.
func (db *DB) InsertResponseLog(ctx context.Context, entry *models.ResponseLog) error {
	date := entry.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO response_log (platform, roundtrip_time, available, date)
		 VALUES (?, ?, ?, ?)`,
		entry.Platform, entry.RoundtripTime, boolToInt(entry.Available),
		date.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting response log: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting response log id: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
