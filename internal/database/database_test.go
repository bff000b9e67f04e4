package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedApp(t *testing.T, db *DB) *models.App {
	t.Helper()
	app := &models.App{AppID: "com.example.app", Platform: models.PlatformAPNS, PushKey: "cert.pem"}
	if err := db.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("creating app: %v", err)
	}
	return app
}

func TestGetDeviceNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetDevice(context.Background(), "123456789")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAppNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetApp(context.Background(), "com.example.app", models.PlatformGCM)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertDeviceCreate(t *testing.T) {
	db := testDB(t)
	app := seedApp(t, db)
	ctx := context.Background()

	dev := &models.Device{
		SIPUserID:     "123456789",
		Token:         "tok-1",
		Name:          "iPhone",
		OSVersion:     "17.2",
		ClientVersion: "5.0.1",
		Sandbox:       true,
		RemoteLogID:   "rl-1",
		App:           *app,
	}
	created, oldToken, err := db.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created || oldToken != "" {
		t.Errorf("expected fresh create, got created=%v oldToken=%q", created, oldToken)
	}

	got, err := db.GetDevice(ctx, "123456789")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Token != "tok-1" || !got.Sandbox || got.Name != "iPhone" {
		t.Errorf("unexpected device %+v", got)
	}
	if got.App.AppID != app.AppID || got.App.Platform != models.PlatformAPNS || got.App.PushKey != "cert.pem" {
		t.Errorf("unexpected joined app %+v", got.App)
	}
	if got.LastSeen.IsZero() {
		t.Error("last_seen should be set on create")
	}
}

func TestUpsertDeviceTokenChange(t *testing.T) {
	db := testDB(t)
	app := seedApp(t, db)
	ctx := context.Background()

	dev := &models.Device{SIPUserID: "123456789", Token: "tok-1", App: *app}
	if _, _, err := db.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	dev.Token = "tok-2"
	created, oldToken, err := db.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("second upsert should update, not create")
	}
	if oldToken != "tok-1" {
		t.Errorf("expected replaced token tok-1, got %q", oldToken)
	}

	got, err := db.GetDevice(ctx, "123456789")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Token != "tok-2" {
		t.Errorf("expected token tok-2, got %q", got.Token)
	}
}

func TestUpsertDeviceSameToken(t *testing.T) {
	db := testDB(t)
	app := seedApp(t, db)
	ctx := context.Background()

	dev := &models.Device{SIPUserID: "123456789", Token: "tok-1", App: *app}
	if _, _, err := db.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	created, oldToken, err := db.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created || oldToken != "" {
		t.Errorf("re-registering the same token must not report a replacement, got created=%v oldToken=%q", created, oldToken)
	}
}

func TestDeleteDevice(t *testing.T) {
	db := testDB(t)
	app := seedApp(t, db)
	ctx := context.Background()

	dev := &models.Device{SIPUserID: "123456789", Token: "tok-1", App: *app}
	if _, _, err := db.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Wrong token. The registration must survive.
	err := db.DeleteDevice(ctx, "123456789", "wrong", app.AppID, app.Platform)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a token mismatch, got %v", err)
	}

	if err := db.DeleteDevice(ctx, "123456789", "tok-1", app.AppID, app.Platform); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetDevice(ctx, "123456789"); !errors.Is(err, ErrNotFound) {
		t.Errorf("device should be gone, got %v", err)
	}
}

func TestInsertResponseLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	entry := &models.ResponseLog{
		Platform:      models.PlatformAPNS,
		RoundtripTime: 1.25,
		Available:     true,
		Date:          time.Now(),
	}
	if err := db.InsertResponseLog(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_log`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}
