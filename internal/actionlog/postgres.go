package actionlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// PostgresStore is a database/sql-backed Store, grounded on the same
// CockroachDB/Postgres query style as the rest of the broker's storage
// layer: plain parameterized SQL, no ORM.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened, already-pinged *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, rec *models.ActionRecord) error {
	if rec == nil {
		return fmt.Errorf("action record is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_records
		   (id, org_id, user_id, agent_id, source_id, operation_id, tool_call_id,
		    method, url, request_body, response_status, response_body,
		    duration_ms, status, error_message, created_at, paginated)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		rec.ID, rec.OrgID, rec.UserID, rec.AgentID, rec.SourceID, rec.OperationID, rec.ToolCallID,
		string(rec.Method), rec.URL, rec.RequestBody, rec.ResponseStatus, rec.ResponseBody,
		rec.DurationMs, string(rec.Status), rec.ErrorMessage, rec.CreatedAt, rec.Paginated,
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*models.ActionRecord, int, error) {
	var conditions []string
	var args []any

	if filter.OrgID != "" {
		args = append(args, filter.OrgID)
		conditions = append(conditions, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT count(*) FROM action_records %s", where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count action records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	listQuery := fmt.Sprintf(
		`SELECT id, org_id, user_id, agent_id, source_id, operation_id, tool_call_id,
		        method, url, request_body, response_status, response_body,
		        duration_ms, status, error_message, created_at, paginated
		 FROM action_records %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()

	var records []*models.ActionRecord
	for rows.Next() {
		rec, err := scanActionRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate action records: %w", err)
	}
	return records, total, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ActionRecord, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, agent_id, source_id, operation_id, tool_call_id,
		        method, url, request_body, response_status, response_body,
		        duration_ms, status, error_message, created_at, paginated
		 FROM action_records WHERE id = $1`, id)
	rec, err := scanActionRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanActionRecord(row rowScanner) (*models.ActionRecord, error) {
	var rec models.ActionRecord
	var method, status string
	if err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.UserID, &rec.AgentID, &rec.SourceID, &rec.OperationID, &rec.ToolCallID,
		&method, &rec.URL, &rec.RequestBody, &rec.ResponseStatus, &rec.ResponseBody,
		&rec.DurationMs, &status, &rec.ErrorMessage, &rec.CreatedAt, &rec.Paginated,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan action record: %w", err)
	}
	rec.Method = models.Method(method)
	rec.Status = models.ActionStatus(status)
	return &rec, nil
}
