package credentials

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// PostgresStore is a database/sql-backed Store. The at-most-one-active
// invariant is enforced per-write: Upsert deactivates any existing active
// row for (user, Source) and inserts the new one in the same transaction,
// rather than relying on a partial unique index that every deployment
// would need to remember to create.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened, already-pinged *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ActiveFor(ctx context.Context, userID, sourceID string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, source_id, active, token, api_key, basic_user, basic_pass,
		        header_name, header_value, created_at
		 FROM credentials WHERE user_id = $1 AND source_id = $2 AND active = true`,
		userID, sourceID)

	var cred models.Credential
	if err := row.Scan(
		&cred.ID, &cred.UserID, &cred.SourceID, &cred.Active, &cred.Token, &cred.APIKey,
		&cred.BasicUser, &cred.BasicPass, &cred.HeaderName, &cred.HeaderValue, &cred.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active credential: %w", err)
	}
	return &cred, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.UserID == "" || cred.SourceID == "" {
		return fmt.Errorf("credential requires user_id and source_id")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.Active = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert credential: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET active = false WHERE user_id = $1 AND source_id = $2 AND active = true`,
		cred.UserID, cred.SourceID,
	); err != nil {
		return fmt.Errorf("deactivate prior credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials
		   (id, user_id, source_id, active, token, api_key, basic_user, basic_pass,
		    header_name, header_value, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		cred.ID, cred.UserID, cred.SourceID, cred.Active, cred.Token, cred.APIKey,
		cred.BasicUser, cred.BasicPass, cred.HeaderName, cred.HeaderValue, cred.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, userID, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = false WHERE user_id = $1 AND source_id = $2 AND active = true`,
		userID, sourceID)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}
