package lockdrop

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/mbd888/lockdrop/internal/account"
)

// PostgresStore persists the event log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `seq, id, event_type, owner_addr, amount::TEXT, unlock_at, reference, created_at`

func (p *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.Dec()
	}
	// The no-op update makes RETURNING yield the existing row on a retried id.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO lock_events (id, event_type, owner_addr, amount, unlock_at, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING `+eventColumns,
		e.ID, string(e.Type), account.Hex(e.Owner), amount,
		nullTime(e.UnlockAt), nullString(e.Reference), e.At.UTC(),
	)
	return scanEvent(row)
}

func (p *PostgresStore) List(ctx context.Context, filter EventFilter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	args = append(args, filter.AfterSeq)
	where = append(where, fmt.Sprintf("seq > $%d", len(args)))
	if filter.Owner != nil {
		args = append(args, account.Hex(*filter.Owner))
		where = append(where, fmt.Sprintf("owner_addr = $%d", len(args)))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	args = append(args, clampLimit(filter.Limit))

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM lock_events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY seq ASC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) All(ctx context.Context) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM lock_events ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (Event, error) {
	var (
		e         Event
		eventType string
		owner     string
		amount    string
		unlockAt  sql.NullTime
		reference sql.NullString
	)
	if err := row.Scan(&e.Seq, &e.ID, &eventType, &owner, &amount, &unlockAt, &reference, &e.At); err != nil {
		return Event{}, err
	}

	v, err := uint256.FromDecimal(amount)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: bad amount %q: %w", e.ID, amount, err)
	}
	e.Type = EventType(eventType)
	e.Owner = common.HexToAddress(owner)
	e.Amount = v
	e.Reference = reference.String
	if unlockAt.Valid {
		t := unlockAt.Time.UTC()
		e.UnlockAt = &t
	}
	e.At = e.At.UTC()
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
