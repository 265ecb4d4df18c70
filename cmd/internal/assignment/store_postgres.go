package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/pgdb"
)

// PostgresStore is a Store backed by the assignments table. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a PostgresStore in schema ("" means the default).
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("assignment: nil pool")
	}
	schema, err := pgdb.NormalizeSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

const assignmentColumns = `id, operator_id, visitor_id, chat_id, status, source, reason,
       assigned_at, accepted_at, started_at, completed_at`

func (s *PostgresStore) Save(ctx context.Context, a Assignment) error {
	src, err := MarshalSource(a.Source)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgdb.Ident(s.schema, "assignments")+` (`+assignmentColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		 ON CONFLICT (id) DO UPDATE
		    SET status       = EXCLUDED.status,
		        reason       = EXCLUDED.reason,
		        accepted_at  = EXCLUDED.accepted_at,
		        started_at   = EXCLUDED.started_at,
		        completed_at = EXCLUDED.completed_at,
		        updated_at   = now()`,
		a.ID, a.OperatorID, a.VisitorID, a.ChatID, string(a.Status), src, a.Reason,
		a.AssignedAt, a.AcceptedAt, a.StartedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save assignment %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Assignment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+`
		   FROM `+pgdb.Ident(s.schema, "assignments")+`
		  WHERE id = $1`,
		id,
	)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, apperr.E("assignment.PostgresStore.Get", apperr.ErrNotFound, "assignment not found")
	}
	return a, err
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assignmentColumns+`
		   FROM `+pgdb.Ident(s.schema, "assignments")+`
		  WHERE status IN ('PENDING', 'ACCEPTED', 'ACTIVE')
		  ORDER BY assigned_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a      Assignment
		status string
		src    []byte
	)
	if err := row.Scan(
		&a.ID, &a.OperatorID, &a.VisitorID, &a.ChatID, &status, &src, &a.Reason,
		&a.AssignedAt, &a.AcceptedAt, &a.StartedAt, &a.CompletedAt,
	); err != nil {
		return Assignment{}, err
	}
	a.Status = Status(status)
	source, err := UnmarshalSource(src)
	if err != nil {
		return Assignment{}, err
	}
	a.Source = source
	return a, nil
}
