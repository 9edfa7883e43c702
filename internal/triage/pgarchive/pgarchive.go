// Package pgarchive provides a PostgreSQL implementation of
// triage.Archiver. Terminal queue items are recorded for audit; clearing
// queue history purges the archive as well.
package pgarchive

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/argus/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/argus/internal/triage/pgarchive")

//go:embed schema.sql
var schema string

// Archive persists terminal triage items in PostgreSQL.
type Archive struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Archive.
func New(ctx context.Context, pool *pgxpool.Pool) (*Archive, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// Record upserts one terminal item. Re-recording the same id (e.g. an
// evicted item later cleared) overwrites the previous row.
func (a *Archive) Record(ctx context.Context, item *triage.Item) error {
	ctx, span := tracer.Start(ctx, "pgarchive.Record", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	var result []byte
	if item.Result != nil {
		var err error
		result, err = json.Marshal(item.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	query := `INSERT INTO triage_archive (
		id, alert_id, rule_id, rule_description, rule_level,
		agent_id, agent_name, alert_timestamp, status, result,
		error_detail, queued_at, processed_at, completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		result = EXCLUDED.result,
		error_detail = EXCLUDED.error_detail,
		completed_at = EXCLUDED.completed_at`

	_, err := a.pool.Exec(ctx, query,
		item.ID,
		item.AlertID,
		item.RuleID,
		item.RuleDescription,
		item.RuleLevel,
		item.AgentID,
		item.AgentName,
		nullTime(item.AlertTimestamp),
		string(item.Status),
		result,
		item.Error,
		item.QueuedAt,
		nullTime(item.ProcessedAt),
		nullTime(item.CompletedAt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert archive row: %w", err)
	}
	return nil
}

// Purge removes every archived row. Called when queue history is cleared.
func (a *Archive) Purge(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pgarchive.Purge", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := a.pool.Exec(ctx, `DELETE FROM triage_archive`); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("purge archive: %w", err)
	}
	return nil
}

// nullTime maps the zero value to NULL so optional timestamps stay NULL in
// the archive.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
