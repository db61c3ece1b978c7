package reminder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/healthportal/reminders/internal/platform/delivery"
)

// Fixed-width UTC timestamps so TEXT comparison orders correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reminders (
	id                TEXT PRIMARY KEY,
	patient_id        TEXT NOT NULL,
	doctor_id         TEXT,
	screening_id      TEXT,
	prescription_id   TEXT,
	type              TEXT NOT NULL,
	priority          TEXT NOT NULL DEFAULT 'medium',
	is_urgent         INTEGER NOT NULL DEFAULT 0,
	title             TEXT NOT NULL,
	message           TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT 'en',
	details           TEXT,
	scheduled_date    TEXT NOT NULL,
	scheduled_time    TEXT,
	frequency         TEXT NOT NULL DEFAULT 'once',
	pattern           TEXT,
	end_date          TEXT,
	timezone          TEXT NOT NULL,
	channels          TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'active',
	last_sent_at      TEXT,
	next_send_at      TEXT,
	sent_count        INTEGER NOT NULL DEFAULT 0,
	max_send_count    INTEGER,
	response_received INTEGER NOT NULL DEFAULT 0,
	patient_response  TEXT,
	responded_at      TEXT,
	snooze_until      TEXT,
	escalation        TEXT,
	escalated_at      TEXT,
	escalation_hold_until TEXT,
	hold_until        TEXT,
	hold_count        INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (status, next_send_at);
CREATE INDEX IF NOT EXISTS idx_reminders_patient ON reminders (patient_id);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	reminder_id  TEXT NOT NULL,
	purpose      TEXT NOT NULL,
	channel      TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	attempted_at TEXT NOT NULL,
	succeeded    INTEGER NOT NULL,
	provider_ref TEXT NOT NULL DEFAULT '',
	failure_code TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_reminder ON delivery_attempts (reminder_id, seq);

CREATE TABLE IF NOT EXISTS contacts (
	user_id          TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	phone            TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	push_key         TEXT NOT NULL DEFAULT '',
	telegram_chat_id TEXT NOT NULL DEFAULT '',
	locale           TEXT NOT NULL DEFAULT '',
	updated_at       TEXT NOT NULL
);
`

// sqliteAddedColumns are reminders columns newer than the first schema. They
// are added in place to database files created before them.
var sqliteAddedColumns = []struct{ name, decl string }{
	{"escalation_hold_until", "TEXT"},
	{"hold_until", "TEXT"},
	{"hold_count", "INTEGER NOT NULL DEFAULT 0"},
	{"last_error", "TEXT"},
}

func upgradeSQLiteSchema(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('reminders')`)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, c := range sqliteAddedColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE reminders ADD COLUMN ` + c.name + ` ` + c.decl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	return nil
}

// SQLiteStore is a single-node Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	sqlDB.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := upgradeSQLiteSchema(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("upgrade schema: %w", err)
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

func uuidPtrArg(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseUUIDPtr(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func bytesArg(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

const sqliteReminderCols = `id, patient_id, doctor_id, screening_id, prescription_id,
	type, priority, is_urgent, title, message, language, details,
	scheduled_date, scheduled_time, frequency, pattern, end_date, timezone,
	channels, status, last_sent_at, next_send_at, sent_count, max_send_count,
	response_received, patient_response, responded_at, snooze_until,
	escalation, escalated_at, escalation_hold_until, hold_until, hold_count, last_error,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReminder(row rowScanner) (*Reminder, error) {
	var (
		r                                                      Reminder
		id, patientID, scheduledDate, channels                 string
		createdAt, updatedAt                                   string
		doctorID, screeningID, prescriptionID                  sql.NullString
		details, pattern, escalation                           sql.NullString
		endDate, lastSent, nextSend, responded, snooze, escAt  sql.NullString
		escHold, holdUntil                                     sql.NullString
		scheduledTime, response, lastError                     sql.NullString
		maxSend                                                sql.NullInt64
	)
	err := row.Scan(&id, &patientID, &doctorID, &screeningID, &prescriptionID,
		&r.Type, &r.Priority, &r.IsUrgent, &r.Title, &r.Message, &r.Language, &details,
		&scheduledDate, &scheduledTime, &r.Frequency, &pattern, &endDate, &r.Timezone,
		&channels, &r.Status, &lastSent, &nextSend, &r.SentCount, &maxSend,
		&r.ResponseReceived, &response, &responded, &snooze,
		&escalation, &escAt, &escHold, &holdUntil, &r.HoldCount, &lastError,
		&r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if r.PatientID, err = uuid.Parse(patientID); err != nil {
		return nil, err
	}
	if r.DoctorID, err = parseUUIDPtr(doctorID); err != nil {
		return nil, err
	}
	if r.ScreeningID, err = parseUUIDPtr(screeningID); err != nil {
		return nil, err
	}
	if r.PrescriptionID, err = parseUUIDPtr(prescriptionID); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *(*time.Time)
		src sql.NullString
	}{
		{&r.EndDate, endDate}, {&r.LastSentAt, lastSent}, {&r.NextSendAt, nextSend},
		{&r.RespondedAt, responded}, {&r.SnoozeUntil, snooze}, {&r.EscalatedAt, escAt},
		{&r.EscalationHoldUntil, escHold}, {&r.HoldUntil, holdUntil},
	} {
		if *f.dst, err = parseTimePtr(f.src); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&r.ScheduledDate, scheduledDate}, {&r.CreatedAt, createdAt}, {&r.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = time.Parse(sqliteTimeLayout, f.src); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", f.src, err)
		}
	}

	if scheduledTime.Valid {
		v := scheduledTime.String
		r.ScheduledTime = &v
	}
	if response.Valid {
		v := response.String
		r.PatientResponse = &v
	}
	if lastError.Valid {
		v := lastError.String
		r.LastError = &v
	}
	if maxSend.Valid {
		v := int(maxSend.Int64)
		r.MaxSendCount = &v
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if err := decodeJSONColumns(&r, []byte(details.String), []byte(pattern.String), []byte(escalation.String)); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Reminder
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func maxSendArg(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func (s *SQLiteStore) Create(ctx context.Context, r *Reminder) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cols, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt, r.Version = now, now, 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reminders (`+sqliteReminderCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID.String(), r.PatientID.String(), uuidPtrArg(r.DoctorID), uuidPtrArg(r.ScreeningID), uuidPtrArg(r.PrescriptionID),
		r.Type, r.Priority, r.IsUrgent, r.Title, r.Message, r.Language, bytesArg(cols.details),
		fmtTime(r.ScheduledDate), r.ScheduledTime, r.Frequency, bytesArg(cols.pattern), fmtTimePtr(r.EndDate), r.Timezone,
		string(channels), r.Status, fmtTimePtr(r.LastSentAt), fmtTimePtr(r.NextSendAt), r.SentCount, maxSendArg(r.MaxSendCount),
		r.ResponseReceived, r.PatientResponse, fmtTimePtr(r.RespondedAt), fmtTimePtr(r.SnoozeUntil),
		bytesArg(cols.escalation), fmtTimePtr(r.EscalatedAt), fmtTimePtr(r.EscalationHoldUntil),
		fmtTimePtr(r.HoldUntil), r.HoldCount, r.LastError,
		r.Version, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return scanSQLiteReminder(s.db.QueryRowContext(ctx, `SELECT `+sqliteReminderCols+` FROM reminders WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) Update(ctx context.Context, r *Reminder) error {
	cols, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET doctor_id=?, priority=?, is_urgent=?, title=?, message=?,
			language=?, details=?, scheduled_date=?, scheduled_time=?, frequency=?,
			pattern=?, end_date=?, timezone=?, channels=?, status=?,
			last_sent_at=?, next_send_at=?, sent_count=?, max_send_count=?,
			response_received=?, patient_response=?, responded_at=?, snooze_until=?,
			escalation=?, escalated_at=?, escalation_hold_until=?, hold_until=?,
			hold_count=?, last_error=?, version=version+1, updated_at=?
		WHERE id = ? AND version = ?`,
		uuidPtrArg(r.DoctorID), r.Priority, r.IsUrgent, r.Title, r.Message,
		r.Language, bytesArg(cols.details), fmtTime(r.ScheduledDate), r.ScheduledTime, r.Frequency,
		bytesArg(cols.pattern), fmtTimePtr(r.EndDate), r.Timezone, string(channels), r.Status,
		fmtTimePtr(r.LastSentAt), fmtTimePtr(r.NextSendAt), r.SentCount, maxSendArg(r.MaxSendCount),
		r.ResponseReceived, r.PatientResponse, fmtTimePtr(r.RespondedAt), fmtTimePtr(r.SnoozeUntil),
		bytesArg(cols.escalation), fmtTimePtr(r.EscalatedAt), fmtTimePtr(r.EscalationHoldUntil),
		fmtTimePtr(r.HoldUntil), r.HoldCount, r.LastError, fmtTime(now),
		r.ID.String(), r.Version)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders WHERE id = ?`, r.ID.String()).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	r.Version++
	r.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Reminder, int, error) {
	var (
		where []string
		args  []any
	)
	if f.PatientID != nil {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID.String())
	}
	if f.DoctorID != nil {
		where = append(where, "doctor_id = ?")
		args = append(args, f.DoctorID.String())
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := s.query(ctx, `SELECT `+sqliteReminderCols+` FROM reminders`+cond+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	return items, total, err
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	ts := fmtTime(now)
	return s.query(ctx, `SELECT `+sqliteReminderCols+` FROM reminders
		WHERE status = 'active' AND next_send_at IS NOT NULL AND next_send_at <= ?
			AND (snooze_until IS NULL OR snooze_until <= ?)
			AND (hold_until IS NULL OR hold_until <= ?)
		ORDER BY next_send_at, id LIMIT ?`, ts, ts, ts, limit)
}

func (s *SQLiteStore) ListEscalationCandidates(ctx context.Context, now, sentAfter time.Time, limit int) ([]*Reminder, error) {
	return s.query(ctx, `SELECT `+sqliteReminderCols+` FROM reminders
		WHERE status IN ('active', 'completed')
			AND response_received = 0
			AND escalated_at IS NULL
			AND last_sent_at IS NOT NULL AND last_sent_at > ?
			AND (priority = 'urgent' OR is_urgent = 1 OR escalation IS NOT NULL)
			AND (escalation_hold_until IS NULL OR escalation_hold_until <= ?)
		ORDER BY last_sent_at, id LIMIT ?`, fmtTime(sentAfter), fmtTime(now), limit)
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a *delivery.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, reminder_id, purpose, channel, recipient_id,
			attempted_at, succeeded, provider_ref, failure_code, error)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID.String(), a.ReminderID.String(), string(a.Purpose), a.Channel, a.RecipientID.String(),
		fmtTime(a.AttemptedAt), a.Succeeded, a.ProviderRef, a.FailureCode, a.Error)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, reminderID uuid.UUID, limit, offset int) ([]*delivery.Attempt, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_attempts WHERE reminder_id = ?`, reminderID.String()).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reminder_id, purpose, channel, recipient_id, attempted_at,
			succeeded, provider_ref, failure_code, error
		FROM delivery_attempts WHERE reminder_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		reminderID.String(), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*delivery.Attempt
	for rows.Next() {
		var (
			a                            delivery.Attempt
			id, rid, purpose, recip, at string
		)
		if err := rows.Scan(&id, &rid, &purpose, &a.Channel, &recip, &at,
			&a.Succeeded, &a.ProviderRef, &a.FailureCode, &a.Error); err != nil {
			return nil, 0, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, err
		}
		if a.ReminderID, err = uuid.Parse(rid); err != nil {
			return nil, 0, err
		}
		if a.RecipientID, err = uuid.Parse(recip); err != nil {
			return nil, 0, err
		}
		if a.AttemptedAt, err = time.Parse(sqliteTimeLayout, at); err != nil {
			return nil, 0, err
		}
		a.Purpose = delivery.Purpose(purpose)
		items = append(items, &a)
	}
	return items, total, rows.Err()
}

func (s *SQLiteStore) UpsertContact(ctx context.Context, c *Contact) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, name, phone, email, push_key, telegram_chat_id, locale, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET name=excluded.name, phone=excluded.phone,
			email=excluded.email, push_key=excluded.push_key,
			telegram_chat_id=excluded.telegram_chat_id, locale=excluded.locale,
			updated_at=excluded.updated_at`,
		c.UserID.String(), c.Name, c.Phone, c.Email, c.PushKey, c.TelegramChatID, c.Locale, fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	var (
		c       Contact
		id, upd string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, phone, email, push_key, telegram_chat_id, locale, updated_at
		FROM contacts WHERE user_id = ?`, userID.String(),
	).Scan(&id, &c.Name, &c.Phone, &c.Email, &c.PushKey, &c.TelegramChatID, &c.Locale, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.UserID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = time.Parse(sqliteTimeLayout, upd); err != nil {
		return nil, err
	}
	return &c, nil
}
