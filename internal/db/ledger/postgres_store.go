package ledgerdb

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"

	"tripledger/internal/ledger/store"
)

// PostgresStore implements ConditionalStore on a single generic Postgres table.
// Uniqueness comes from the primary key plus INSERT ... ON CONFLICT.
type PostgresStore struct {
	db     *sql.DB
	tables []store.Table
}

// NewPostgresStore constructs a PostgresStore. Tables drive the expression
// indexes InitSchema creates; by default the ledger's two tables.
func NewPostgresStore(db *sql.DB, tables ...store.Table) *PostgresStore {
	if len(tables) == 0 {
		tables = []store.Table{store.PaymentsIdempotency, store.SagaTransactions}
	}
	return &PostgresStore{db: db, tables: tables}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB, tables ...store.Table) (*PostgresStore, error) {
	s := NewPostgresStore(db, tables...)
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates the items table and one expression index per secondary index.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_items (
			table_name TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			sort_key TEXT NOT NULL DEFAULT '',
			attributes JSONB NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (table_name, partition_key, sort_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_items_expires_at_idx ON ledger_items (expires_at)`,
	}
	for _, t := range s.tables {
		for _, idx := range t.Indexes {
			statements = append(statements, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s ON ledger_items (table_name, (attributes->>%s), (attributes->>%s))`,
				indexName(t, idx), quoteLiteral(idx.PartitionAttr), quoteLiteral(idx.SortAttr),
			))
		}
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPostgres(err)
		}
	}
	return nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	attrs, expires, err := encodeItem(table, item)
	if err != nil {
		return store.Permanent(err)
	}
	// An expired row is treated as absent and replaced.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_items (table_name, partition_key, sort_key, attributes, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, partition_key, sort_key) DO UPDATE
		SET attributes = EXCLUDED.attributes, expires_at = EXCLUDED.expires_at, created_at = NOW()
		WHERE ledger_items.expires_at IS NOT NULL AND ledger_items.expires_at <= NOW()`,
		table.Name, key.Partition, key.Sort, attrs, expires,
	)
	if err != nil {
		return classifyPostgres(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classifyPostgres(err)
	}
	if affected == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, table store.Table, key store.Key, item store.Item) error {
	attrs, expires, err := encodeItem(table, item)
	if err != nil {
		return store.Permanent(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_items (table_name, partition_key, sort_key, attributes, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, partition_key, sort_key) DO UPDATE
		SET attributes = EXCLUDED.attributes, expires_at = EXCLUDED.expires_at`,
		table.Name, key.Partition, key.Sort, attrs, expires,
	)
	return classifyPostgres(err)
}

func (s *PostgresStore) Update(ctx context.Context, table store.Table, key store.Key, updates store.Item, cond *store.Condition) error {
	patch, err := json.Marshal(updates)
	if err != nil {
		return store.Permanent(err)
	}

	query := `
		UPDATE ledger_items SET attributes = attributes || $4::jsonb
		WHERE table_name = $1 AND partition_key = $2 AND sort_key = $3
		AND (expires_at IS NULL OR expires_at > NOW())`
	args := []any{table.Name, key.Partition, key.Sort, string(patch)}
	if cond != nil {
		placeholders := make([]string, 0, len(cond.OneOf))
		for _, v := range cond.OneOf {
			args = append(args, v)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		if len(placeholders) == 0 {
			return store.ErrConditionFailed
		}
		query += fmt.Sprintf(" AND attributes->>%s IN (%s)", quoteLiteral(cond.Attr), strings.Join(placeholders, ", "))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classifyPostgres(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classifyPostgres(err)
	}
	if affected > 0 {
		return nil
	}
	if cond == nil {
		return store.ErrNotFound
	}

	var exists bool
	row := s.db.QueryRowContext(ctx, `
		SELECT TRUE FROM ledger_items
		WHERE table_name = $1 AND partition_key = $2 AND sort_key = $3
		AND (expires_at IS NULL OR expires_at > NOW())`,
		table.Name, key.Partition, key.Sort,
	)
	switch scanErr := row.Scan(&exists); {
	case scanErr == nil:
		return store.ErrConditionFailed
	case errors.Is(scanErr, sql.ErrNoRows):
		return store.ErrNotFound
	default:
		return classifyPostgres(scanErr)
	}
}

func (s *PostgresStore) Get(ctx context.Context, table store.Table, key store.Key) (store.Item, error) {
	var raw []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT attributes FROM ledger_items
		WHERE table_name = $1 AND partition_key = $2 AND sort_key = $3
		AND (expires_at IS NULL OR expires_at > NOW())`,
		table.Name, key.Partition, key.Sort,
	)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classifyPostgres(err)
	}
	return decodeItem(raw)
}

func (s *PostgresStore) QueryByIndex(ctx context.Context, table store.Table, name, value string) ([]store.Item, error) {
	idx, ok := table.Index(name)
	if !ok {
		return nil, store.Permanent(fmt.Errorf("%w: %s on %s", store.ErrUnknownIndex, name, table.Name))
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT attributes FROM ledger_items
		WHERE table_name = $1 AND attributes->>%s = $2
		AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY attributes->>%s, partition_key, sort_key`,
		quoteLiteral(idx.PartitionAttr), quoteLiteral(idx.SortAttr)),
		table.Name, value,
	)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classifyPostgres(err)
		}
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return items, nil
}

func encodeItem(table store.Table, item store.Item) (string, sql.NullTime, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", sql.NullTime{}, err
	}
	var expires sql.NullTime
	if table.TTLAttr != "" {
		if ttl, ok := store.Int64(item, table.TTLAttr); ok && ttl > 0 {
			expires = sql.NullTime{Time: time.Unix(ttl, 0).UTC(), Valid: true}
		}
	}
	return string(data), expires, nil
}

func decodeItem(raw []byte) (store.Item, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var item store.Item
	if err := dec.Decode(&item); err != nil {
		return nil, store.Permanent(fmt.Errorf("decode attributes: %w", err))
	}
	return item, nil
}

// classifyPostgres marks errors by SQLSTATE class so the ledger knows what to retry.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch class := pgErr.Code[:2]; {
		case class == "08", class == "40", class == "53", class == "57", pgErr.Code == "55P03":
			return store.Transient(err)
		case class == "28", class == "42", class == "3D", class == "22":
			return store.Permanent(err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return store.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.Transient(err)
	}
	return err
}

func indexName(t store.Table, idx store.Index) string {
	name := strings.ToLower(t.Name + "_" + idx.Name + "_idx")
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
