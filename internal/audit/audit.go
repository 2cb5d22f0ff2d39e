// Package audit keeps an append-only trail of operator actions: handoffs,
// voice-mode changes and startup failures.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/pickupbot/internal/shared"
)

const (
	OutcomeOK     = "ok"
	OutcomeNoop   = "noop"
	OutcomeDenied = "denied"
	OutcomeFailed = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	deniedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the number of denied operator actions since startup.
func DeniedCount() int64 {
	return deniedCount.Load()
}

// Record appends one action. The actor defaults to the operator carried by
// ctx; trace_id always comes from ctx.
func Record(ctx context.Context, action, outcome, subject string) {
	RecordAs(ctx, shared.Operator(ctx), action, outcome, subject)
}

func RecordAs(ctx context.Context, actor, action, outcome, subject string) {
	if outcome == OutcomeDenied {
		deniedCount.Add(1)
	}
	if actor == "" {
		actor = "system"
	}
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Actor:     actor,
			Action:    action,
			Outcome:   outcome,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, actor, action, outcome, subject)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, actor, action, outcome, subject)
	}
}

// ErrNoStore is returned by Recent before SetDB was called.
var ErrNoStore = errors.New("audit: no database configured")

// Entry is one row of the audit_log table.
type Entry struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Query narrows Recent. ActionPrefix "pickup" matches "pickup" and
// "pickup.handoff" but not "pickups"; Limit defaults to 50.
type Query struct {
	ActionPrefix string
	Outcome      string
	Limit        int
}

// Recent returns the newest audit rows first.
func Recent(ctx context.Context, q Query) ([]Entry, error) {
	mu.Lock()
	d := db
	mu.Unlock()
	if d == nil {
		return nil, ErrNoStore
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT audit_id, COALESCE(trace_id, ''), COALESCE(actor, ''), action, outcome,
		COALESCE(subject, ''), created_at FROM audit_log WHERE 1=1`
	var args []any
	if q.ActionPrefix != "" {
		query += ` AND (action = ? OR action LIKE ? ESCAPE '\')`
		args = append(args, q.ActionPrefix, escapeLike(q.ActionPrefix)+".%")
	}
	if q.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, q.Outcome)
	}
	query += ` ORDER BY audit_id DESC LIMIT ?;`
	args = append(args, q.Limit)

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Actor, &e.Action, &e.Outcome, &e.Subject, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
