package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/haasonsaas/nexus/pkg/models"
)

// NewCockroachStoresFromDSN creates Cockroach-backed stores using a DSN.
func NewCockroachStoresFromDSN(dsn string, config *CockroachConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	stores := StoreSet{
		Sources:          &cockroachSourceStore{db: db},
		Operations:       &cockroachOperationStore{db: db},
		Agents:           &cockroachAgentStore{db: db},
		AgentSourceLinks: &cockroachAgentSourceLinkStore{db: db},
		Messages:         &cockroachMessageStore{db: db},
		closer:           db.Close,
	}
	return stores, nil
}

type cockroachSourceStore struct {
	db *sql.DB
}

func (s *cockroachSourceStore) Create(ctx context.Context, src *models.Source) error {
	if src == nil || src.ID == "" {
		return fmt.Errorf("source is required")
	}
	authCfg, err := json.Marshal(src.AuthConfig)
	if err != nil {
		return fmt.Errorf("marshal auth config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sources (id, org_id, name, base_url, source_kind, auth_kind, auth_config, template_ref, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		src.ID, src.OrgID, src.Name, src.BaseURL, string(src.SourceKind), string(src.AuthKind), authCfg, src.TemplateRef, src.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (s *cockroachSourceStore) Get(ctx context.Context, id string) (*models.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, base_url, source_kind, auth_kind, auth_config, template_ref, created_at
		 FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return src, err
}

func (s *cockroachSourceStore) List(ctx context.Context, orgID string) ([]*models.Source, error) {
	query := `SELECT id, org_id, name, base_url, source_kind, auth_kind, auth_config, template_ref, created_at FROM sources`
	args := []any{}
	if orgID != "" {
		query += " WHERE org_id = $1"
		args = append(args, orgID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *cockroachSourceStore) Update(ctx context.Context, src *models.Source) error {
	if src == nil || src.ID == "" {
		return fmt.Errorf("source is required")
	}
	authCfg, err := json.Marshal(src.AuthConfig)
	if err != nil {
		return fmt.Errorf("marshal auth config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET name = $1, base_url = $2, source_kind = $3, auth_kind = $4, auth_config = $5, template_ref = $6
		 WHERE id = $7`,
		src.Name, src.BaseURL, string(src.SourceKind), string(src.AuthKind), authCfg, src.TemplateRef, src.ID,
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return requireRowsAffected(res, "update source")
}

func (s *cockroachSourceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return requireRowsAffected(res, "delete source")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*models.Source, error) {
	var src models.Source
	var sourceKind, authKind string
	var authCfg []byte
	if err := row.Scan(&src.ID, &src.OrgID, &src.Name, &src.BaseURL, &sourceKind, &authKind, &authCfg, &src.TemplateRef, &src.CreatedAt); err != nil {
		return nil, err
	}
	src.SourceKind = models.SourceKind(sourceKind)
	src.AuthKind = models.AuthKind(authKind)
	if len(authCfg) > 0 && string(authCfg) != "null" {
		var cfg models.AuthConfig
		if err := json.Unmarshal(authCfg, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal auth config: %w", err)
		}
		src.AuthConfig = &cfg
	}
	return &src, nil
}

type cockroachOperationStore struct {
	db *sql.DB
}

func (s *cockroachOperationStore) OperationsForSource(ctx context.Context, sourceID string) ([]models.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, operation_id, name, description, method, path, mcp_tool_name,
		        parameter_schema, request_body_schema, risk_level, requires_confirmation, tags, embedding
		 FROM operations WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ReplaceForSource deletes and reinserts sourceID's Operations inside one
// transaction, so a concurrent reader never observes a partially-replaced
// catalog.
func (s *cockroachOperationStore) ReplaceForSource(ctx context.Context, sourceID string, ops []models.Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	for _, op := range ops {
		paramSchema, err := json.Marshal(op.ParameterSchema)
		if err != nil {
			return fmt.Errorf("marshal parameter schema: %w", err)
		}
		embedding, err := json.Marshal(op.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO operations
			   (id, source_id, operation_id, name, description, method, path, mcp_tool_name,
			    parameter_schema, request_body_schema, risk_level, requires_confirmation, tags, embedding)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			op.ID, op.SourceID, op.OperationID, op.Name, op.Description, string(op.Method), op.Path, op.MCPToolName,
			paramSchema, pq.Array(op.RequestBodySchema), string(op.RiskLevel), op.RequiresConfirmation, pq.Array(op.Tags), embedding,
		)
		if err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
	}
	return tx.Commit()
}

func (s *cockroachOperationStore) Get(ctx context.Context, id string) (*models.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, operation_id, name, description, method, path, mcp_tool_name,
		        parameter_schema, request_body_schema, risk_level, requires_confirmation, tags, embedding
		 FROM operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func scanOperation(row scannable) (models.Operation, error) {
	var op models.Operation
	var method, riskLevel string
	var paramSchema, embedding []byte
	if err := row.Scan(
		&op.ID, &op.SourceID, &op.OperationID, &op.Name, &op.Description, &method, &op.Path, &op.MCPToolName,
		&paramSchema, pq.Array(&op.RequestBodySchema), &riskLevel, &op.RequiresConfirmation, pq.Array(&op.Tags), &embedding,
	); err != nil {
		return models.Operation{}, err
	}
	op.Method = models.Method(method)
	op.RiskLevel = models.RiskLevel(riskLevel)
	if len(paramSchema) > 0 {
		if err := json.Unmarshal(paramSchema, &op.ParameterSchema); err != nil {
			return models.Operation{}, fmt.Errorf("unmarshal parameter schema: %w", err)
		}
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &op.Embedding); err != nil {
			return models.Operation{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return op, nil
}

type cockroachAgentStore struct {
	db *sql.DB
}

func (s *cockroachAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, org_id, name, system_prompt, model, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		agent.ID, agent.OrgID, agent.Name, agent.SystemPrompt, agent.Model, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *cockroachAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, system_prompt, model, created_at, updated_at FROM agents WHERE id = $1`, id)
	var agent models.Agent
	if err := row.Scan(&agent.ID, &agent.OrgID, &agent.Name, &agent.SystemPrompt, &agent.Model, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &agent, nil
}

func (s *cockroachAgentStore) List(ctx context.Context, orgID string) ([]*models.Agent, error) {
	query := `SELECT id, org_id, name, system_prompt, model, created_at, updated_at FROM agents`
	args := []any{}
	if orgID != "" {
		query += " WHERE org_id = $1"
		args = append(args, orgID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var agent models.Agent
		if err := rows.Scan(&agent.ID, &agent.OrgID, &agent.Name, &agent.SystemPrompt, &agent.Model, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, &agent)
	}
	return out, rows.Err()
}

func (s *cockroachAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = $1, system_prompt = $2, model = $3, updated_at = $4 WHERE id = $5`,
		agent.Name, agent.SystemPrompt, agent.Model, agent.UpdatedAt, agent.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRowsAffected(res, "update agent")
}

func (s *cockroachAgentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRowsAffected(res, "delete agent")
}

type cockroachAgentSourceLinkStore struct {
	db *sql.DB
}

func (s *cockroachAgentSourceLinkStore) Link(ctx context.Context, link models.AgentSourceLink) error {
	if link.AgentID == "" || link.SourceID == "" {
		return fmt.Errorf("agentId and sourceId are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_source_links (agent_id, source_id, permission)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (agent_id, source_id) DO UPDATE SET permission = excluded.permission`,
		link.AgentID, link.SourceID, string(link.Permission),
	)
	if err != nil {
		return fmt.Errorf("link agent source: %w", err)
	}
	return nil
}

func (s *cockroachAgentSourceLinkStore) Unlink(ctx context.Context, agentID, sourceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_source_links WHERE agent_id = $1 AND source_id = $2`, agentID, sourceID)
	if err != nil {
		return fmt.Errorf("unlink agent source: %w", err)
	}
	return requireRowsAffected(res, "unlink agent source")
}

func (s *cockroachAgentSourceLinkStore) ForAgent(ctx context.Context, agentID string) ([]models.AgentSourceLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, source_id, permission FROM agent_source_links WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent source links: %w", err)
	}
	defer rows.Close()

	var out []models.AgentSourceLink
	for rows.Next() {
		var link models.AgentSourceLink
		var permission string
		if err := rows.Scan(&link.AgentID, &link.SourceID, &permission); err != nil {
			return nil, fmt.Errorf("scan agent source link: %w", err)
		}
		link.Permission = models.Permission(permission)
		out = append(out, link)
	}
	return out, rows.Err()
}

type cockroachMessageStore struct {
	db *sql.DB
}

func (s *cockroachMessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ChatID == "" {
		return fmt.Errorf("message with chatId is required")
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, tool_calls, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		msg.ID, msg.ChatID, string(msg.Role), msg.Content, toolCalls, metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *cockroachMessageStore) ForChat(ctx context.Context, chatID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, tool_calls, metadata, created_at
		 FROM messages WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var toolCalls, metadata []byte
		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &toolCalls, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
