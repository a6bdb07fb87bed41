package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"joybridge/internal/config"
	"joybridge/pkg/types"
)

// writeOp is one serialized write. The result channel carries the final
// error after any retry.
type writeOp struct {
	statements []statement
	result     chan error
}

type statement struct {
	query string
	args  []any
}

// Manager is the SQLite archive behind interfaces.HistoryStore. All writes
// flow through a single writer goroutine, which keeps SQLite's single-writer
// constraint out of the callers' way; reads go straight to the pool.
type Manager struct {
	db      *sql.DB
	cfg     config.DatabaseConfig
	writeCh chan writeOp

	closeOnce sync.Once
	done      chan struct{}
	writerWg  sync.WaitGroup
}

const writeQueueSize = 256

// retryDelay before the single retry of a failed write batch.
const retryDelay = 5 * time.Second

// NewManager opens (or creates) the archive database, applies the schema,
// and starts the writer goroutine.
func NewManager(cfg config.DatabaseConfig) (*Manager, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}
	// One writer goroutine plus read-only queries; WAL lets them coexist.
	db.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	m := &Manager{
		db:      db,
		cfg:     cfg,
		writeCh: make(chan writeOp, writeQueueSize),
		done:    make(chan struct{}),
	}
	m.writerWg.Add(1)
	go m.writeLoop()

	log.Printf("Archive database opened: path=%s", cfg.Path)
	return m, nil
}

// ArchiveSession persists a completed session with its joy moments and
// summary in one transaction batch.
func (m *Manager) ArchiveSession(ctx context.Context, session *types.Session, summary *types.SessionSummary) error {
	recommendations, err := json.Marshal(summary.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	statements := make([]statement, 0, 1+len(session.JoyMoments))
	statements = append(statements, statement{
		query: `INSERT OR REPLACE INTO sessions
			(id, student_id, class_id, teacher_id, subject, learning_objective,
			 status, start_time, end_time, end_reason, final_joy_level,
			 celebration_count, adaptations_applied, interaction_count,
			 duration_seconds, recommendations)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			session.ID, session.StudentID, session.ClassID, session.TeacherID,
			session.Subject, session.LearningObjective, session.Status,
			session.StartTime, session.EndTime, session.EndReason,
			session.CurrentJoyLevel, session.CelebrationCount,
			session.AdaptationsApplied, session.InteractionCount,
			summary.DurationSeconds, string(recommendations),
		},
	})
	for _, moment := range session.JoyMoments {
		statements = append(statements, statement{
			query: `INSERT OR REPLACE INTO joy_moments
				(id, session_id, moment_type, joy_impact, triggered_by, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
			args: []any{moment.ID, session.ID, moment.Type, moment.JoyImpact, moment.TriggeredBy, moment.Timestamp},
		})
	}
	return m.submit(ctx, statements)
}

// ArchiveAdaptationEvent persists one resolved adaptation event.
func (m *Manager) ArchiveAdaptationEvent(ctx context.Context, event *types.AdaptationEvent) error {
	return m.submit(ctx, []statement{{
		query: `INSERT OR REPLACE INTO adaptation_events
			(id, session_id, trigger_type, confidence, requested_action, status, detail, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			event.ID, event.SessionID, event.TriggerType, event.Confidence,
			event.RequestedAction, event.Status, event.Detail,
			event.CreatedAt, event.ResolvedAt,
		},
	}})
}

// GetSession retrieves an archived session, joy moments included.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT
		id, student_id, class_id, teacher_id, subject, learning_objective,
		status, start_time, end_time, end_reason, final_joy_level,
		celebration_count, adaptations_applied, interaction_count
		FROM sessions WHERE id = ?`, sessionID)

	var session types.Session
	var endTime sql.NullTime
	var classID, teacherID, subject, endReason sql.NullString
	err := row.Scan(
		&session.ID, &session.StudentID, &classID, &teacherID, &subject,
		&session.LearningObjective, &session.Status, &session.StartTime,
		&endTime, &endReason, &session.CurrentJoyLevel,
		&session.CelebrationCount, &session.AdaptationsApplied,
		&session.InteractionCount,
	)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	session.ClassID = classID.String
	session.TeacherID = teacherID.String
	session.Subject = subject.String
	session.EndReason = endReason.String
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}

	moments, err := m.getJoyMoments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.JoyMoments = moments
	return &session, nil
}

// GetAdaptationEvents returns archived events for a session in chronological
// order.
func (m *Manager) GetAdaptationEvents(ctx context.Context, sessionID string) ([]*types.AdaptationEvent, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT
		id, session_id, trigger_type, confidence, requested_action, status, detail, created_at, resolved_at
		FROM adaptation_events WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read adaptation events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []*types.AdaptationEvent
	for rows.Next() {
		var event types.AdaptationEvent
		var action, detail sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&event.ID, &event.SessionID, &event.TriggerType,
			&event.Confidence, &action, &event.Status, &detail,
			&event.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan adaptation event: %w", err)
		}
		event.RequestedAction = action.String
		event.Detail = detail.String
		if resolved.Valid {
			event.ResolvedAt = &resolved.Time
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// HealthCheck verifies the database answers queries.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var one int
	if err := m.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close drains the write queue and closes the pool. Idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.writerWg.Wait()
		err = m.db.Close()
		log.Printf("Archive database closed: path=%s", m.cfg.Path)
	})
	return err
}

func (m *Manager) getJoyMoments(ctx context.Context, sessionID string) ([]types.JoyMoment, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, moment_type, joy_impact, triggered_by, recorded_at
		FROM joy_moments WHERE session_id = ? ORDER BY recorded_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read joy moments for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var moments []types.JoyMoment
	for rows.Next() {
		var moment types.JoyMoment
		var triggeredBy sql.NullString
		if err := rows.Scan(&moment.ID, &moment.Type, &moment.JoyImpact, &triggeredBy, &moment.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan joy moment: %w", err)
		}
		moment.TriggeredBy = triggeredBy.String
		moments = append(moments, moment)
	}
	return moments, rows.Err()
}

// submit queues one write batch and waits for the writer's verdict.
func (m *Manager) submit(ctx context.Context, statements []statement) error {
	op := writeOp{statements: statements, result: make(chan error, 1)}

	select {
	case m.writeCh <- op:
	case <-m.done:
		return fmt.Errorf("database is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single writer. Each batch runs in one transaction; a
// failed batch is retried once after a delay before the error is reported.
func (m *Manager) writeLoop() {
	defer m.writerWg.Done()

	for {
		select {
		case op := <-m.writeCh:
			err := m.execBatch(op.statements)
			if err != nil {
				log.Printf("Write batch failed, retrying in %s: %v", retryDelay, err)
				select {
				case <-time.After(retryDelay):
					err = m.execBatch(op.statements)
				case <-m.done:
				}
			}
			op.result <- err
		case <-m.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case op := <-m.writeCh:
					op.result <- m.execBatch(op.statements)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) execBatch(statements []statement) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt.query, stmt.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
