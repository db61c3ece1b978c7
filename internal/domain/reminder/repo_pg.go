package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthportal/reminders/internal/platform/db"
	"github.com/healthportal/reminders/internal/platform/delivery"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by Postgres.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const reminderCols = `id, patient_id, doctor_id, screening_id, prescription_id,
	type, priority, is_urgent, title, message, language, details,
	scheduled_date, scheduled_time, frequency, pattern, end_date, timezone,
	channels, status, last_sent_at, next_send_at, sent_count, max_send_count,
	response_received, patient_response, responded_at, snooze_until,
	escalation, escalated_at, escalation_hold_until, hold_until, hold_count, last_error,
	version, created_at, updated_at`

func (s *storePG) scanReminder(row pgx.Row) (*Reminder, error) {
	var (
		r                            Reminder
		details, pattern, escalation []byte
	)
	err := row.Scan(&r.ID, &r.PatientID, &r.DoctorID, &r.ScreeningID, &r.PrescriptionID,
		&r.Type, &r.Priority, &r.IsUrgent, &r.Title, &r.Message, &r.Language, &details,
		&r.ScheduledDate, &r.ScheduledTime, &r.Frequency, &pattern, &r.EndDate, &r.Timezone,
		&r.Channels, &r.Status, &r.LastSentAt, &r.NextSendAt, &r.SentCount, &r.MaxSendCount,
		&r.ResponseReceived, &r.PatientResponse, &r.RespondedAt, &r.SnoozeUntil,
		&escalation, &r.EscalatedAt, &r.EscalationHoldUntil, &r.HoldUntil, &r.HoldCount, &r.LastError,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSONColumns(&r, details, pattern, escalation); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *storePG) collect(rows pgx.Rows) ([]*Reminder, error) {
	defer rows.Close()
	var items []*Reminder
	for rows.Next() {
		r, err := s.scanReminder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *storePG) Create(ctx context.Context, r *Reminder) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cols, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	r.Version = 1
	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO reminders (id, patient_id, doctor_id, screening_id, prescription_id,
			type, priority, is_urgent, title, message, language, details,
			scheduled_date, scheduled_time, frequency, pattern, end_date, timezone,
			channels, status, last_sent_at, next_send_at, sent_count, max_send_count,
			response_received, patient_response, responded_at, snooze_until,
			escalation, escalated_at, escalation_hold_until, hold_until, hold_count, last_error, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35)
		RETURNING created_at, updated_at`,
		r.ID, r.PatientID, r.DoctorID, r.ScreeningID, r.PrescriptionID,
		r.Type, r.Priority, r.IsUrgent, r.Title, r.Message, r.Language, cols.details,
		r.ScheduledDate, r.ScheduledTime, r.Frequency, cols.pattern, r.EndDate, r.Timezone,
		r.Channels, r.Status, r.LastSentAt, r.NextSendAt, r.SentCount, r.MaxSendCount,
		r.ResponseReceived, r.PatientResponse, r.RespondedAt, r.SnoozeUntil,
		cols.escalation, r.EscalatedAt, r.EscalationHoldUntil, r.HoldUntil, r.HoldCount, r.LastError, r.Version,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return s.scanReminder(s.conn(ctx).QueryRow(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = $1`, id))
}

func (s *storePG) Update(ctx context.Context, r *Reminder) error {
	cols, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	err = s.conn(ctx).QueryRow(ctx, `
		UPDATE reminders SET doctor_id=$3, priority=$4, is_urgent=$5, title=$6, message=$7,
			language=$8, details=$9, scheduled_date=$10, scheduled_time=$11, frequency=$12,
			pattern=$13, end_date=$14, timezone=$15, channels=$16, status=$17,
			last_sent_at=$18, next_send_at=$19, sent_count=$20, max_send_count=$21,
			response_received=$22, patient_response=$23, responded_at=$24, snooze_until=$25,
			escalation=$26, escalated_at=$27, escalation_hold_until=$28, hold_until=$29,
			hold_count=$30, last_error=$31, version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		r.ID, r.Version, r.DoctorID, r.Priority, r.IsUrgent, r.Title, r.Message,
		r.Language, cols.details, r.ScheduledDate, r.ScheduledTime, r.Frequency,
		cols.pattern, r.EndDate, r.Timezone, r.Channels, r.Status,
		r.LastSentAt, r.NextSendAt, r.SentCount, r.MaxSendCount,
		r.ResponseReceived, r.PatientResponse, r.RespondedAt, r.SnoozeUntil,
		cols.escalation, r.EscalatedAt, r.EscalationHoldUntil, r.HoldUntil,
		r.HoldCount, r.LastError,
	).Scan(&r.Version, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reminders WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	return nil
}

func (s *storePG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Reminder, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.PatientID != nil {
		add("patient_id = ?", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("doctor_id = ?", *f.DoctorID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reminders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+reminderCols+` FROM reminders`+cond+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.collect(rows)
	return items, total, err
}

func (s *storePG) ListDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+reminderCols+` FROM reminders
		WHERE status = 'active' AND next_send_at <= $1
			AND (snooze_until IS NULL OR snooze_until <= $1)
			AND (hold_until IS NULL OR hold_until <= $1)
		ORDER BY next_send_at, id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

func (s *storePG) ListEscalationCandidates(ctx context.Context, now, sentAfter time.Time, limit int) ([]*Reminder, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+reminderCols+` FROM reminders
		WHERE status IN ('active', 'completed')
			AND response_received = FALSE
			AND escalated_at IS NULL
			AND last_sent_at IS NOT NULL AND last_sent_at > $1
			AND (priority = 'urgent' OR is_urgent OR escalation IS NOT NULL)
			AND (escalation_hold_until IS NULL OR escalation_hold_until <= $3)
		ORDER BY last_sent_at, id LIMIT $2`, sentAfter, limit, now)
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

// -- Attempts --

const attemptCols = `id, reminder_id, purpose, channel, recipient_id, attempted_at,
	succeeded, provider_ref, failure_code, error`

func (s *storePG) AppendAttempt(ctx context.Context, a *delivery.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO delivery_attempts (`+attemptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.ReminderID, string(a.Purpose), a.Channel, a.RecipientID, a.AttemptedAt,
		a.Succeeded, a.ProviderRef, a.FailureCode, a.Error)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *storePG) ListAttempts(ctx context.Context, reminderID uuid.UUID, limit, offset int) ([]*delivery.Attempt, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM delivery_attempts WHERE reminder_id = $1`, reminderID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+attemptCols+` FROM delivery_attempts
		WHERE reminder_id = $1 ORDER BY attempted_at, seq LIMIT $2 OFFSET $3`, reminderID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*delivery.Attempt
	for rows.Next() {
		var (
			a       delivery.Attempt
			purpose string
		)
		if err := rows.Scan(&a.ID, &a.ReminderID, &purpose, &a.Channel, &a.RecipientID, &a.AttemptedAt,
			&a.Succeeded, &a.ProviderRef, &a.FailureCode, &a.Error); err != nil {
			return nil, 0, err
		}
		a.Purpose = delivery.Purpose(purpose)
		items = append(items, &a)
	}
	return items, total, rows.Err()
}

// -- Contacts --

func (s *storePG) UpsertContact(ctx context.Context, c *Contact) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO contacts (user_id, name, phone, email, push_key, telegram_chat_id, locale)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone,
			email=EXCLUDED.email, push_key=EXCLUDED.push_key,
			telegram_chat_id=EXCLUDED.telegram_chat_id, locale=EXCLUDED.locale, updated_at=NOW()
		RETURNING updated_at`,
		c.UserID, c.Name, c.Phone, c.Email, c.PushKey, c.TelegramChatID, c.Locale,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (s *storePG) GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	var c Contact
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT user_id, name, phone, email, push_key, telegram_chat_id, locale, updated_at
		FROM contacts WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.Name, &c.Phone, &c.Email, &c.PushKey, &c.TelegramChatID, &c.Locale, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
