package directory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/pgdb"
)

// PostgresStore reads operators from the operators table. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a PostgresStore in the given schema ("" means the default).
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	schema, err := pgdb.NormalizeSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) GetOperator(ctx context.Context, userID string) (Operator, error) {
	var op Operator
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, display_name, capacity, capabilities, updated_at
		   FROM `+pgdb.Ident(s.schema, "operators")+`
		  WHERE user_id = $1`,
		userID,
	).Scan(&op.UserID, &op.DisplayName, &op.Capacity, &op.Capabilities, &op.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Operator{}, apperr.E("directory.GetOperator", apperr.ErrNotFound, "unknown operator")
	}
	if err != nil {
		return Operator{}, err
	}
	return op, nil
}

func (s *PostgresStore) ListOperators(ctx context.Context) ([]Operator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, display_name, capacity, capabilities, updated_at
		   FROM `+pgdb.Ident(s.schema, "operators")+`
		  ORDER BY user_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		var op Operator
		if err := rows.Scan(&op.UserID, &op.DisplayName, &op.Capacity, &op.Capabilities, &op.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertOperator(ctx context.Context, op Operator) error {
	op = normalize(op)
	if op.UserID == "" || op.Capacity < 0 {
		return apperr.E("directory.UpsertOperator", apperr.ErrInvalidInput, "userId required and capacity must be >= 0")
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgdb.Ident(s.schema, "operators")+` (user_id, display_name, capacity, capabilities, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		    SET display_name = EXCLUDED.display_name,
		        capacity     = EXCLUDED.capacity,
		        capabilities = EXCLUDED.capabilities,
		        updated_at   = EXCLUDED.updated_at`,
		op.UserID, op.DisplayName, op.Capacity, op.Capabilities, op.UpdatedAt,
	)
	return err
}
