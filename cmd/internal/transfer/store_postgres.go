package transfer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livedesk/cmd/internal/apperr"
	"livedesk/cmd/internal/pgdb"
)

// PostgresStore is a Store backed by the transfers table. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("transfer: nil pool")
	}
	schema, err := pgdb.NormalizeSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

const transferColumns = `id, from_operator_id, to_operator_id, chat_id, visitor_id, status, reason, note,
       requested_at, responded_at, completed_at`

func (s *PostgresStore) Save(ctx context.Context, t Transfer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgdb.Ident(s.schema, "transfers")+` (`+transferColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		    SET status       = EXCLUDED.status,
		        note         = EXCLUDED.note,
		        responded_at = EXCLUDED.responded_at,
		        completed_at = EXCLUDED.completed_at`,
		t.ID, t.FromOperatorID, t.ToOperatorID, t.ChatID, t.VisitorID, string(t.Status), t.Reason, t.Note,
		t.RequestedAt, t.RespondedAt, t.CompletedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Transfer, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM `+pgdb.Ident(s.schema, "transfers")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, apperr.E("transfer.PostgresStore.Get", apperr.ErrNotFound, "transfer not found")
	}
	return t, err
}

func (s *PostgresStore) ListRequested(ctx context.Context) ([]Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferColumns+`
		   FROM `+pgdb.Ident(s.schema, "transfers")+`
		  WHERE status = 'REQUESTED'
		  ORDER BY requested_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t      Transfer
		status string
	)
	err := row.Scan(
		&t.ID, &t.FromOperatorID, &t.ToOperatorID, &t.ChatID, &t.VisitorID, &status, &t.Reason, &t.Note,
		&t.RequestedAt, &t.RespondedAt, &t.CompletedAt,
	)
	t.Status = Status(status)
	return t, err
}
