// Package storage provides SQLite-backed persistence for alerts, detector state, and volumes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/pricealert/internal/logger"
	"github.com/rewired-gh/pricealert/internal/models"
	_ "modernc.org/sqlite"
)

// ErrAlertNotFound is returned when an alert id has no row.
var ErrAlertNotFound = errors.New("alert not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/pricealert/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "pricealert", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL,
			type                  TEXT NOT NULL,
			scope                 TEXT NOT NULL,
			item_id               INTEGER NOT NULL DEFAULT 0,
			item_ids              TEXT NOT NULL DEFAULT '[]',
			reference             TEXT NOT NULL DEFAULT 'high',
			target_price          REAL NOT NULL DEFAULT 0,
			percentage            REAL NOT NULL DEFAULT 0,
			min_volume            REAL NOT NULL DEFAULT 0,
			direction             TEXT NOT NULL DEFAULT 'both',
			timeframe_minutes     INTEGER NOT NULL DEFAULT 0,
			discount_min          REAL NOT NULL DEFAULT 0,
			shock_sigma_threshold REAL NOT NULL DEFAULT 0,
			sell_ratio_min        REAL NOT NULL DEFAULT 0,
			rel_vol_min           REAL NOT NULL DEFAULT 0,
			liquidity_floor       REAL NOT NULL DEFAULT 0,
			consistency_required  INTEGER NOT NULL DEFAULT 0,
			cooldown_seconds      INTEGER NOT NULL DEFAULT 0,
			confirmation_buckets  INTEGER NOT NULL DEFAULT 0,
			reference_prices      TEXT NOT NULL DEFAULT '{}',
			notifications_enabled INTEGER NOT NULL DEFAULT 1,
			is_active             INTEGER NOT NULL DEFAULT 1,
			is_triggered          INTEGER NOT NULL DEFAULT 0,
			is_dismissed          INTEGER NOT NULL DEFAULT 0,
			triggered_data        TEXT,
			triggered_at          INTEGER,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(is_active)`,
		`CREATE TABLE IF NOT EXISTS dump_state (
			alert_id          TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			item_id           INTEGER NOT NULL,
			last_price        REAL NOT NULL DEFAULT 0,
			var_idio          REAL NOT NULL DEFAULT 0,
			has_var           INTEGER NOT NULL DEFAULT 0,
			consecutive       INTEGER NOT NULL DEFAULT 0,
			last_triggered_at INTEGER NOT NULL DEFAULT 0,
			last_observed_at  INTEGER NOT NULL DEFAULT 0,
			avg_volume        REAL NOT NULL DEFAULT 0,
			base_volume       REAL NOT NULL DEFAULT 0,
			volume_samples    INTEGER NOT NULL DEFAULT 0,
			last_bucket_at    INTEGER NOT NULL DEFAULT 0,
			last_shock_sigma  REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (alert_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			item_id   INTEGER NOT NULL,
			reference TEXT NOT NULL,
			entries   TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (item_id, reference)
		)`,
		`CREATE TABLE IF NOT EXISTS volumes (
			item_id INTEGER NOT NULL,
			at      INTEGER NOT NULL,
			volume  REAL NOT NULL,
			PRIMARY KEY (item_id, at)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const alertCols = `id, name, type, scope, item_id, item_ids, reference, target_price, percentage,
	min_volume, direction, timeframe_minutes, discount_min, shock_sigma_threshold, sell_ratio_min,
	rel_vol_min, liquidity_floor, consistency_required, cooldown_seconds, confirmation_buckets,
	reference_prices, notifications_enabled, is_active, is_triggered, is_dismissed,
	triggered_data, triggered_at, created_at, updated_at`

// AddAlert validates and inserts a new alert.
func (s *Storage) AddAlert(alert *models.Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}
	itemIDs, refPrices, err := encodeAlertJSON(alert)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO alerts (`+alertCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.Name, string(alert.Type), string(alert.Scope), alert.ItemID, itemIDs,
		string(alert.Reference()), alert.TargetPrice, alert.Percentage, alert.MinVolume,
		string(alert.Direction), alert.TimeframeMinutes, alert.DiscountMin, alert.ShockSigmaThreshold,
		alert.SellRatioMin, alert.RelVolMin, alert.LiquidityFloor, alert.ConsistencyRequired,
		alert.CooldownSeconds, alert.ConfirmationBuckets, refPrices,
		boolToInt(alert.NotificationsEnabled), boolToInt(alert.IsActive),
		boolToInt(alert.IsTriggered), boolToInt(alert.IsDismissed),
		nullString(alert.TriggeredData), nullTime(alert.TriggeredAt),
		alert.CreatedAt.UnixNano(), alert.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert returns the alert with the given id or ErrAlertNotFound.
func (s *Storage) GetAlert(id string) (*models.Alert, error) {
	row := s.db.QueryRow(`SELECT `+alertCols+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// UpdateAlert stores a user edit. Editing clears the triggered and dismissed state and
// advances updated_at, which invalidates trigger state computed from the old version.
func (s *Storage) UpdateAlert(alert *models.Alert) error {
	alert.ApplyEdit()
	if err := alert.Validate(); err != nil {
		return err
	}
	itemIDs, refPrices, err := encodeAlertJSON(alert)
	if err != nil {
		return err
	}
	var version int64
	err = s.db.QueryRow(`
		UPDATE alerts SET
			name=?, type=?, scope=?, item_id=?, item_ids=?, reference=?, target_price=?,
			percentage=?, min_volume=?, direction=?, timeframe_minutes=?, discount_min=?,
			shock_sigma_threshold=?, sell_ratio_min=?, rel_vol_min=?, liquidity_floor=?,
			consistency_required=?, cooldown_seconds=?, confirmation_buckets=?, reference_prices=?,
			notifications_enabled=?, is_active=?, is_triggered=0, is_dismissed=0,
			triggered_data=NULL, triggered_at=NULL, updated_at=MAX(?, updated_at+1)
		WHERE id=?
		RETURNING updated_at`,
		alert.Name, string(alert.Type), string(alert.Scope), alert.ItemID, itemIDs,
		string(alert.Reference()), alert.TargetPrice, alert.Percentage, alert.MinVolume,
		string(alert.Direction), alert.TimeframeMinutes, alert.DiscountMin,
		alert.ShockSigmaThreshold, alert.SellRatioMin, alert.RelVolMin, alert.LiquidityFloor,
		alert.ConsistencyRequired, alert.CooldownSeconds, alert.ConfirmationBuckets, refPrices,
		boolToInt(alert.NotificationsEnabled), boolToInt(alert.IsActive),
		alert.UpdatedAt.UnixNano(), alert.ID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alert.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	alert.UpdatedAt = time.Unix(0, version)
	return nil
}

// DismissAlert marks an alert's current trigger as seen by the user.
func (s *Storage) DismissAlert(id string) error {
	var updated string
	err := s.db.QueryRow(`
		UPDATE alerts SET is_dismissed=1, updated_at=MAX(?, updated_at+1)
		WHERE id=?
		RETURNING id`, time.Now().UnixNano(), id).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to dismiss alert: %w", err)
	}
	return nil
}

// DeleteAlert removes an alert and, by cascade, its dump state.
func (s *Storage) DeleteAlert(id string) error {
	res, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return nil
}

// ActiveAlerts returns every active alert, oldest first.
func (s *Storage) ActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertCols+` FROM alerts WHERE is_active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SaveTriggerState persists the evaluation-owned fields of an alert in one statement. The
// write only applies if the row still has the alert's UpdatedAt, so an edit, pause or dismissal
// made after the alert was read wins; saved is false in that case and when the alert is gone.
// is_active is only ever cleared here, never set.
func (s *Storage) SaveTriggerState(ctx context.Context, alert *models.Alert) (saved bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			is_triggered=?,
			is_active=CASE WHEN ? THEN 0 ELSE is_active END,
			is_dismissed=?, triggered_data=?, triggered_at=?
		WHERE id=? AND updated_at=?`,
		boolToInt(alert.IsTriggered), boolToInt(!alert.IsActive), boolToInt(alert.IsDismissed),
		nullString(alert.TriggeredData), nullTime(alert.TriggeredAt),
		alert.ID, alert.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save trigger state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save trigger state: %w", err)
	}
	return n > 0, nil
}

// SaveDumpStates replaces the stored dump state with states. States whose alert no
// longer exists are skipped.
func (s *Storage) SaveDumpStates(states []models.DumpState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM dump_state`); err != nil {
		return fmt.Errorf("failed to clear dump state: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO dump_state
			(alert_id, item_id, last_price, var_idio, has_var, consecutive, last_triggered_at,
			 last_observed_at, avg_volume, base_volume, volume_samples, last_bucket_at, last_shock_sigma)
		SELECT ?,?,?,?,?,?,?,?,?,?,?,?,?
		WHERE EXISTS (SELECT 1 FROM alerts WHERE id = ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare dump state insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.Exec(
			st.AlertID, st.ItemID, st.LastPrice, st.VarIdio, boolToInt(st.HasVar), st.Consecutive,
			unixNano(st.LastTriggeredAt), unixNano(st.LastObservedAt), st.AvgVolume, st.BaseVolume,
			st.VolumeSamples, unixNano(st.LastBucketAt), st.LastShockSigma, st.AlertID,
		); err != nil {
			return fmt.Errorf("failed to save dump state %s/%d: %w", st.AlertID, st.ItemID, err)
		}
	}
	return tx.Commit()
}

// LoadDumpStates returns every stored dump state.
func (s *Storage) LoadDumpStates() ([]models.DumpState, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, item_id, last_price, var_idio, has_var, consecutive, last_triggered_at,
		       last_observed_at, avg_volume, base_volume, volume_samples, last_bucket_at, last_shock_sigma
		FROM dump_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dump state: %w", err)
	}
	defer rows.Close()

	var states []models.DumpState
	for rows.Next() {
		var st models.DumpState
		var hasVar int
		var triggeredNano, observedNano, bucketNano int64
		if err := rows.Scan(
			&st.AlertID, &st.ItemID, &st.LastPrice, &st.VarIdio, &hasVar, &st.Consecutive,
			&triggeredNano, &observedNano, &st.AvgVolume, &st.BaseVolume, &st.VolumeSamples,
			&bucketNano, &st.LastShockSigma,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dump state: %w", err)
		}
		st.HasVar = hasVar != 0
		st.LastTriggeredAt = fromUnixNano(triggeredNano)
		st.LastObservedAt = fromUnixNano(observedNano)
		st.LastBucketAt = fromUnixNano(bucketNano)
		states = append(states, st)
	}
	return states, rows.Err()
}

// SaveHistory replaces the price history checkpoint.
func (s *Storage) SaveHistory(data map[models.HistoryKey][]models.HistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM price_history`); err != nil {
		return fmt.Errorf("failed to clear price history: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO price_history (item_id, reference, entries) VALUES (?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for key, entries := range data {
		if len(entries) == 0 {
			continue
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to marshal history for item %d: %w", key.ItemID, err)
		}
		if _, err := stmt.Exec(key.ItemID, string(key.Ref), string(raw)); err != nil {
			return fmt.Errorf("failed to save history for item %d: %w", key.ItemID, err)
		}
	}
	return tx.Commit()
}

// LoadHistory returns the price history checkpoint. Rows that fail to decode are skipped.
func (s *Storage) LoadHistory() (map[models.HistoryKey][]models.HistoryEntry, error) {
	rows, err := s.db.Query(`SELECT item_id, reference, entries FROM price_history`)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	data := make(map[models.HistoryKey][]models.HistoryEntry)
	for rows.Next() {
		var key models.HistoryKey
		var ref, raw string
		if err := rows.Scan(&key.ItemID, &ref, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan price history: %w", err)
		}
		key.Ref = models.PriceRef(ref)
		var entries []models.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			logger.Warn("Skipping unreadable history for item %d (%s): %v", key.ItemID, ref, err)
			continue
		}
		data[key] = entries
	}
	return data, rows.Err()
}

// PutVolume stores a single volume record.
func (s *Storage) PutVolume(ctx context.Context, rec models.VolumeRecord) error {
	return s.PutVolumes(ctx, []models.VolumeRecord{rec})
}

// PutVolumes stores volume records, replacing any with the same item and time.
func (s *Storage) PutVolumes(ctx context.Context, recs []models.VolumeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO volumes (item_id, at, volume) VALUES (?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare volume insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.ItemID, rec.At.UnixNano(), rec.Volume); err != nil {
			return fmt.Errorf("failed to save volume for item %d: %w", rec.ItemID, err)
		}
	}
	return tx.Commit()
}

// LatestVolume returns the newest volume record for itemID.
func (s *Storage) LatestVolume(ctx context.Context, itemID int) (models.VolumeRecord, bool, error) {
	var atNano int64
	rec := models.VolumeRecord{ItemID: itemID}
	err := s.db.QueryRowContext(ctx,
		`SELECT at, volume FROM volumes WHERE item_id = ? ORDER BY at DESC LIMIT 1`, itemID,
	).Scan(&atNano, &rec.Volume)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VolumeRecord{}, false, nil
	}
	if err != nil {
		return models.VolumeRecord{}, false, fmt.Errorf("failed to get volume: %w", err)
	}
	rec.At = time.Unix(0, atNano)
	return rec, true, nil
}

// PruneVolumes deletes volume records older than before and returns how many were removed.
func (s *Storage) PruneVolumes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM volumes WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune volumes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func encodeAlertJSON(a *models.Alert) (string, string, error) {
	ids := a.ItemIDs
	if ids == nil {
		ids = []int{}
	}
	itemIDs, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal item ids: %w", err)
	}
	refs := a.ReferencePrices
	if refs == nil {
		refs = map[int]float64{}
	}
	refPrices, err := json.Marshal(refs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal reference prices: %w", err)
	}
	return string(itemIDs), string(refPrices), nil
}

func scanAlert(scan func(...any) error) (*models.Alert, error) {
	var a models.Alert
	var typ, scope, ref, dir, itemIDs, refPrices string
	var notifications, active, triggered, dismissed int
	var triggeredData sql.NullString
	var triggeredAt sql.NullInt64
	var createdNano, updatedNano int64
	err := scan(
		&a.ID, &a.Name, &typ, &scope, &a.ItemID, &itemIDs, &ref, &a.TargetPrice, &a.Percentage,
		&a.MinVolume, &dir, &a.TimeframeMinutes, &a.DiscountMin, &a.ShockSigmaThreshold,
		&a.SellRatioMin, &a.RelVolMin, &a.LiquidityFloor, &a.ConsistencyRequired,
		&a.CooldownSeconds, &a.ConfirmationBuckets, &refPrices,
		&notifications, &active, &triggered, &dismissed,
		&triggeredData, &triggeredAt, &createdNano, &updatedNano,
	)
	if err != nil {
		return nil, err
	}
	a.Type = models.AlertType(typ)
	a.Scope = models.Scope(scope)
	a.Ref = models.PriceRef(ref)
	a.Direction = models.Direction(dir)
	a.NotificationsEnabled = notifications != 0
	a.IsActive = active != 0
	a.IsTriggered = triggered != 0
	a.IsDismissed = dismissed != 0
	a.TriggeredData = triggeredData.String
	if triggeredAt.Valid {
		t := time.Unix(0, triggeredAt.Int64)
		a.TriggeredAt = &t
	}
	a.CreatedAt = time.Unix(0, createdNano)
	a.UpdatedAt = time.Unix(0, updatedNano)

	if err := json.Unmarshal([]byte(itemIDs), &a.ItemIDs); err != nil {
		logger.Warn("Alert %s has malformed item_ids, treating as empty: %v", a.ID, err)
		a.ItemIDs = nil
	}
	if err := json.Unmarshal([]byte(refPrices), &a.ReferencePrices); err != nil {
		logger.Warn("Alert %s has malformed reference_prices, treating as empty: %v", a.ID, err)
		a.ReferencePrices = nil
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
