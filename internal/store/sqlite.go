package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/resqlink/resqlink/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			collection TEXT NOT NULL,
			kind TEXT NOT NULL,
			origin_user_id TEXT NOT NULL,
			to_user_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			lat REAL,
			lng REAL,
			severity TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			delivery_state TEXT NOT NULL DEFAULT '{}',
			received_via TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS location_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_collection ON messages(collection)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Messages ---

func (s *SQLiteStore) PutMessage(ctx context.Context, c Collection, m *models.Message) error {
	ds, _ := json.Marshal(m.DeliveryState)
	rv, _ := json.Marshal(m.ReceivedVia)

	var lat, lng interface{}
	if m.Location != nil {
		lat, lng = m.Location.Latitude, m.Location.Longitude
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, collection, kind, origin_user_id, to_user_id, payload, lat, lng, severity, created_at, delivery_state, received_via)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, c, m.Kind, m.OriginUserID, m.ToUserID, m.Payload, lat, lng, m.Severity, m.CreatedAt.UTC(), string(ds), string(rv),
	)
	return err
}

func (s *SQLiteStore) scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var lat, lng sql.NullFloat64
	var ds, rv string
	err := row.Scan(&m.ID, &m.Kind, &m.OriginUserID, &m.ToUserID, &m.Payload, &lat, &lng, &m.Severity, &m.CreatedAt, &ds, &rv)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		m.Location = &models.Location{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	json.Unmarshal([]byte(ds), &m.DeliveryState)
	json.Unmarshal([]byte(rv), &m.ReceivedVia)
	if m.DeliveryState == nil {
		m.DeliveryState = map[string]models.DeliveryState{}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

const messageCols = `id, kind, origin_user_id, to_user_id, payload, lat, lng, severity, created_at, delivery_state, received_via`

func (s *SQLiteStore) GetMessage(ctx context.Context, c Collection, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE collection = ? AND id = ?`, c, id)
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, c Collection) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE collection = ? ORDER BY seq`, c)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) RemoveMessage(ctx context.Context, c Collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE collection = ? AND id = ?`, c, id)
	return err
}

func (s *SQLiteStore) Clear(ctx context.Context, c Collection) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE collection = ?`, c)
	return err
}

func (s *SQLiteStore) KnownIDs(ctx context.Context) (map[string]Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, collection FROM messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]Collection)
	for rows.Next() {
		var id string
		var c Collection
		if err := rows.Scan(&id, &c); err != nil {
			return nil, err
		}
		ids[id] = c
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SetDeliveryState(ctx context.Context, c Collection, id, transportID string, state models.DeliveryState) error {
	m, err := s.GetMessage(ctx, c, id)
	if err != nil || m == nil {
		return err
	}
	m.DeliveryState[transportID] = state
	ds, _ := json.Marshal(m.DeliveryState)
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_state = ? WHERE collection = ? AND id = ?`,
		string(ds), c, id)
	return err
}

func (s *SQLiteStore) AddReceivedVia(ctx context.Context, c Collection, id, transportID string) error {
	m, err := s.GetMessage(ctx, c, id)
	if err != nil || m == nil {
		return err
	}
	if m.SeenVia(transportID) {
		return nil
	}
	rv, _ := json.Marshal(append(m.ReceivedVia, transportID))
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET received_via = ? WHERE collection = ? AND id = ?`,
		string(rv), c, id)
	return err
}

// --- Location history ---

func (s *SQLiteStore) AppendLocation(ctx context.Context, p *models.LocationPoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO location_history (id, lat, lng, recorded_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Latitude, p.Longitude, p.RecordedAt.UTC())
	if err != nil {
		return err
	}
	// Keep only the newest MaxLocations points.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM location_history WHERE seq NOT IN
		 (SELECT seq FROM location_history ORDER BY seq DESC LIMIT ?)`,
		models.MaxLocations)
	return err
}

func (s *SQLiteStore) ListLocations(ctx context.Context) ([]*models.LocationPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lat, lng, recorded_at FROM location_history ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []*models.LocationPoint
	for rows.Next() {
		var p models.LocationPoint
		if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.RecordedAt = p.RecordedAt.UTC()
		points = append(points, &p)
	}
	return points, rows.Err()
}

func (s *SQLiteStore) ClearLocations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM location_history`)
	return err
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

func (s *SQLiteStore) RemoveSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}
