package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/splendidbits/pushservices/internal/models"
	"github.com/splendidbits/pushservices/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const pendingStates = "('IDLE','PROCESSING','WAITING_RETRY')"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Writes ----

func (s *sqliteStore) SaveTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return errors.New("storage: task is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if task.ID == 0 {
		if task.AddedAt.IsZero() {
			task.AddedAt = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(name, priority, added_time) VALUES(?,?,?)`,
			task.Name, task.Priority, task.AddedAt.UnixMilli())
		if err != nil {
			return err
		}
		if task.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET name = ?, priority = ? WHERE id = ?`,
			task.Name, task.Priority, task.ID); err != nil {
			return err
		}
	}

	for _, m := range task.Messages {
		m.TaskID = task.ID
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveMessage(ctx context.Context, message *models.Message) error {
	if message == nil {
		return errors.New("storage: message is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(ctx, tx, message); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m *models.Message) error {
	if m.ID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(task_id, collapse_key, priority, ttl_seconds, delay_while_idle, dry_run, maximum_retries, sent_time)
			 VALUES(?,?,?,?,?,?,?,?)`,
			nullID(m.TaskID), m.CollapseKey, string(m.Priority), m.TTLSeconds,
			m.DelayWhileIdle, m.DryRun, m.MaxRetries, nullMilli(m.SentAt))
		if err != nil {
			return err
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET task_id = ?, collapse_key = ?, priority = ?, ttl_seconds = ?,
			        delay_while_idle = ?, dry_run = ?, maximum_retries = ?, sent_time = ?
			 WHERE id = ?`,
			nullID(m.TaskID), m.CollapseKey, string(m.Priority), m.TTLSeconds,
			m.DelayWhileIdle, m.DryRun, m.MaxRetries, nullMilli(m.SentAt), m.ID); err != nil {
			return err
		}
	}

	if c := m.Credentials; c != nil {
		if c.ID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO credentials(message_id, platform, authorisation_key, certificate_body, package_uri)
				 VALUES(?,?,?,?,?)`,
				m.ID, string(c.Platform), c.AuthKey, c.CertBody, c.PackageURI)
			if err != nil {
				return err
			}
			if c.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE credentials SET platform = ?, authorisation_key = ?, certificate_body = ?, package_uri = ?
				 WHERE id = ?`,
				string(c.Platform), c.AuthKey, c.CertBody, c.PackageURI, c.ID); err != nil {
				return err
			}
		}
	}

	// Payload elements carry no identity of their own; rewrite the set.
	if _, err := tx.ExecContext(ctx, `DELETE FROM payload_elements WHERE message_id = ?`, m.ID); err != nil {
		return err
	}
	for _, el := range m.Payload {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payload_elements(message_id, element_name, element_value) VALUES(?,?,?)`,
			m.ID, el.Key, el.Value); err != nil {
			return err
		}
	}

	for _, r := range m.Recipients {
		r.MessageID = m.ID
		if err := upsertRecipient(ctx, tx, r); err != nil {
			return err
		}
	}
	return nil
}

func upsertRecipient(ctx context.Context, tx *sql.Tx, r *models.Recipient) error {
	if r.ID == 0 {
		if r.AddedAt.IsZero() {
			r.AddedAt = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO recipients(message_id, token, state, send_attempts, time_added, previous_attempt, next_attempt)
			 VALUES(?,?,?,?,?,?,?)`,
			r.MessageID, r.Token, string(r.State), r.SendAttempts,
			r.AddedAt.UnixMilli(), nullMilli(r.LastAttempt), nullMilli(r.NextAttempt))
		if err != nil {
			return err
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE recipients SET token = ?, state = ?, send_attempts = ?, previous_attempt = ?, next_attempt = ?
			 WHERE id = ?`,
			r.Token, string(r.State), r.SendAttempts,
			nullMilli(r.LastAttempt), nullMilli(r.NextAttempt), r.ID); err != nil {
			return err
		}
	}

	if f := r.Failure; f != nil {
		if f.FailTime.IsZero() {
			f.FailTime = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE recipient_failures SET type = ?, message = ?, fail_time = ? WHERE recipient_id = ?`,
			string(f.Type), f.Message, f.FailTime.UnixMilli(), r.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			ins, err := tx.ExecContext(ctx,
				`INSERT INTO recipient_failures(recipient_id, type, message, fail_time) VALUES(?,?,?,?)`,
				r.ID, string(f.Type), f.Message, f.FailTime.UnixMilli())
			if err != nil {
				return err
			}
			if f.ID, err = ins.LastInsertId(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- Reads ----

func (s *sqliteStore) FindTasksByName(ctx context.Context, name string) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT id, name, priority, added_time FROM tasks WHERE name = ? ORDER BY id`, name)
}

func (s *sqliteStore) FetchPendingTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT DISTINCT t.id, t.name, t.priority, t.added_time
		   FROM tasks t
		   JOIN messages m ON m.task_id = t.id
		   JOIN recipients r ON r.message_id = m.id
		  WHERE r.state IN `+pendingStates+`
		  ORDER BY t.priority DESC, t.id`)
}

func (s *sqliteStore) FetchPendingMessages(ctx context.Context) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT m.id
		   FROM messages m
		   LEFT JOIN tasks t ON t.id = m.task_id
		   JOIN recipients r ON r.message_id = m.id
		  WHERE r.state IN `+pendingStates+`
		  ORDER BY COALESCE(t.priority, 1) DESC, m.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.loadMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t := &models.Task{}
		var added int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Priority, &added); err != nil {
			return nil, err
		}
		t.AddedAt = time.UnixMilli(added)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if err := s.loadTaskMessages(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *sqliteStore) loadTaskMessages(ctx context.Context, t *models.Task) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE task_id = ? ORDER BY id`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	t.Messages = t.Messages[:0]
	for _, id := range ids {
		m, err := s.loadMessage(ctx, id)
		if err != nil {
			return err
		}
		t.Messages = append(t.Messages, m)
	}
	return nil
}

func (s *sqliteStore) loadMessage(ctx context.Context, id int64) (*models.Message, error) {
	m := &models.Message{ID: id}
	var (
		taskID   sql.NullInt64
		priority string
		sentTime sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, collapse_key, priority, ttl_seconds, delay_while_idle, dry_run, maximum_retries, sent_time
		   FROM messages WHERE id = ?`, id).
		Scan(&taskID, &m.CollapseKey, &priority, &m.TTLSeconds, &m.DelayWhileIdle, &m.DryRun, &m.MaxRetries, &sentTime)
	if err != nil {
		return nil, err
	}
	m.TaskID = taskID.Int64
	m.Priority = models.MessagePriority(priority)
	m.SentAt = milliTime(sentTime)

	// Credentials (one per message).
	c := &models.Credentials{}
	var platform string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, platform, authorisation_key, certificate_body, package_uri FROM credentials WHERE message_id = ?`, id).
		Scan(&c.ID, &platform, &c.AuthKey, &c.CertBody, &c.PackageURI)
	switch {
	case err == nil:
		c.Platform = models.PlatformType(platform)
		m.Credentials = c
	case errors.Is(err, sql.ErrNoRows):
		// legal for partially-written historical rows
	default:
		return nil, err
	}

	// Payload.
	prow, err := s.db.QueryContext(ctx,
		`SELECT element_name, element_value FROM payload_elements WHERE message_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	for prow.Next() {
		var el models.PayloadElement
		if err := prow.Scan(&el.Key, &el.Value); err != nil {
			prow.Close()
			return nil, err
		}
		m.Payload = append(m.Payload, el)
	}
	if err := prow.Err(); err != nil {
		prow.Close()
		return nil, err
	}
	prow.Close()

	// Recipients with their failures.
	rrow, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.token, r.state, r.send_attempts, r.time_added, r.previous_attempt, r.next_attempt,
		        f.id, f.type, f.message, f.fail_time
		   FROM recipients r
		   LEFT JOIN recipient_failures f ON f.recipient_id = r.id
		  WHERE r.message_id = ? ORDER BY r.id`, id)
	if err != nil {
		return nil, err
	}
	defer rrow.Close()

	for rrow.Next() {
		r := &models.Recipient{MessageID: id}
		var (
			state      string
			added      int64
			prev, next sql.NullInt64
			fid        sql.NullInt64
			ftype      sql.NullString
			fmsg       sql.NullString
			ftime      sql.NullInt64
		)
		if err := rrow.Scan(&r.ID, &r.Token, &state, &r.SendAttempts, &added, &prev, &next,
			&fid, &ftype, &fmsg, &ftime); err != nil {
			return nil, err
		}
		r.State = models.RecipientState(state)
		r.AddedAt = time.UnixMilli(added)
		r.LastAttempt = milliTime(prev)
		r.NextAttempt = milliTime(next)
		if fid.Valid {
			r.Failure = &models.PlatformFailure{
				ID:       fid.Int64,
				Type:     models.FailureType(ftype.String),
				Message:  fmsg.String,
				FailTime: milliTime(ftime),
			}
		}
		m.Recipients = append(m.Recipients, r)
	}
	if err := rrow.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// ---- Deletes ----

func (s *sqliteStore) DeleteTask(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) WipeAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"recipient_failures", "payload_elements", "recipients", "credentials", "messages", "tasks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- helpers ----

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func milliTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
