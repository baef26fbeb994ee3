// Package pgsrc implements the connector.Source contract over
// PostgreSQL using jackc/pgx/v5's pgxpool, following the pooling
// conventions of the teacher's internal/driver/postgres package.
package pgsrc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/paginate"
	"github.com/stratum-dmt/stratum/internal/value"
)

// Config holds connection parameters for a PostgreSQL source table.
type Config struct {
	DSN      string
	Schema   string
	Table    string
	MaxConns int32
}

// Source paginates a single PostgreSQL table via keyset queries.
type Source struct {
	pool   *pgxpool.Pool
	schema string
	table  string
	pager  *paginate.Engine
}

// Open connects and leaves metadata loading to Describe.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, "pgsrc.Open", "parsing DSN", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, "pgsrc.Open", "creating pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ConnectionFailed, "pgsrc.Open", "pinging database", err)
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &Source{pool: pool, schema: schema, table: cfg.Table}, nil
}

func (s *Source) SetPager(p *paginate.Engine) { s.pager = p }

func (s *Source) qualified() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// Describe introspects information_schema for column and PK metadata.
func (s *Source) Describe(ctx context.Context) (connector.TableMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.column_default,
		       c.character_maximum_length, c.numeric_precision, c.numeric_scale,
		       coalesce(pk.is_pk, false)
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT kcu.column_name, true AS is_pk
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		) pk ON pk.column_name = c.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, s.schema, s.table)
	if err != nil {
		return connector.TableMetadata{}, errs.Wrap(errs.MetadataUnavailable, "pgsrc.Describe", "querying columns", err)
	}
	defer rows.Close()

	var meta connector.TableMetadata
	for rows.Next() {
		var (
			name, dataType    string
			nullable          bool
			def               *string
			charLen, numPrec, numScale *int
			isPK              bool
		)
		if err := rows.Scan(&name, &dataType, &nullable, &def, &charLen, &numPrec, &numScale, &isPK); err != nil {
			return connector.TableMetadata{}, errs.Wrap(errs.MetadataUnavailable, "pgsrc.Describe", "scanning column", err)
		}
		meta.Columns = append(meta.Columns, connector.ColumnMetadata{
			Name: name, DataType: dataType, Nullable: nullable, Default: def,
			CharMaxLen: charLen, NumericPrecision: numPrec, NumericScale: numScale, IsPK: isPK,
		})
		if isPK {
			meta.PrimaryKeyColumns = append(meta.PrimaryKeyColumns, name)
		}
	}
	return meta, rows.Err()
}

// Read issues the next keyset page.
func (s *Source) Read(ctx context.Context, cur value.Cursor, limit int, pushdown *connector.FilterPushdown) (value.Batch, error) {
	if s.pager == nil {
		return value.Batch{}, errs.New(errs.Internal, "pgsrc.Read", "pager not configured; call SetPager first")
	}
	pred := s.pager.NextPredicate(cur, limit)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", s.qualified())
	var args []any
	argN := 0
	next := func() string { argN++; return fmt.Sprintf("$%d", argN) }

	var where []string
	switch pred.Op {
	case "pk_gt":
		where = append(where, fmt.Sprintf("%s > %s", pgx.Identifier{pred.CursorCol}.Sanitize(), next()))
		args = append(args, valueArg(pred.CursorVal))
	case "keyset_gt":
		c := pgx.Identifier{pred.CursorCol}.Sanitize()
		tb := pgx.Identifier{pred.Tiebreaker}.Sanitize()
		where = append(where, fmt.Sprintf("(%s > %s OR (%s = %s AND %s > %s))", c, next(), c, next(), tb, next()))
		args = append(args, valueArg(pred.CursorVal), valueArg(pred.CursorVal), valueArg(pred.Tiebreaker2))
	}
	if pushdown != nil && pushdown.SQLFragment != "" {
		where = append(where, pushdown.SQLFragment)
		args = append(args, pushdown.Args...)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	orderParts := make([]string, len(pred.OrderBy))
	for i, o := range pred.OrderBy {
		orderParts[i] = pgx.Identifier{o.Column}.Sanitize() + " ASC"
	}
	sb.WriteString(strings.Join(orderParts, ", "))
	fmt.Fprintf(&sb, " LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return value.Batch{}, errs.Wrap(errs.ConnectionFailed, "pgsrc.Read", "querying rows", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	colNames := make([]string, len(fields))
	for i, f := range fields {
		colNames[i] = string(f.Name)
	}

	var batch value.Batch
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return value.Batch{}, errs.Wrap(errs.Internal, "pgsrc.Read", "reading row values", err)
		}
		row := value.NewRow()
		for i, col := range colNames {
			row.Set(s.table+"."+col, fromPG(vals[i]))
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return value.Batch{}, errs.Wrap(errs.ConnectionFailed, "pgsrc.Read", "iterating rows", err)
	}

	if len(batch.Rows) == 0 {
		batch.CursorAfter = cur
		return batch, nil
	}

	batch.RowCursors = make([]value.Cursor, len(batch.Rows))
	for i, row := range batch.Rows {
		batch.RowCursors[i] = s.pager.CursorFor(s.table, row)
	}

	last := batch.Rows[len(batch.Rows)-1]
	cursorCol := pred.CursorCol
	if cursorCol == "" {
		cursorCol = defaultCursorColumn(colNames)
	}
	lastCursorVal, _ := last.Get(s.table + "." + cursorCol)
	var lastTiebreaker value.Value
	if pred.Tiebreaker != "" {
		lastTiebreaker, _ = last.Get(s.table + "." + pred.Tiebreaker)
	}
	nextCur, err := s.pager.AdvanceCursor(cur, lastCursorVal, lastTiebreaker)
	if err != nil {
		return value.Batch{}, err
	}
	batch.CursorAfter = nextCur
	return batch, nil
}

func defaultCursorColumn(cols []string) string {
	for _, c := range cols {
		if c == "id" {
			return "id"
		}
	}
	if len(cols) > 0 {
		return cols[0]
	}
	return "id"
}

func (s *Source) Close() error {
	s.pool.Close()
	return nil
}

// FetchByKeys implements connector.LookupSource for use as an
// auxiliary ("LOAD") table: one batched `WHERE key IN (...)` fetch per
// distinct key set (spec.md §4.3).
func (s *Source) FetchByKeys(ctx context.Context, keyColumn string, keys []value.Value) ([]value.Row, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, len(keys))
	placeholders := make([]string, len(keys))
	for i, k := range keys {
		args[i] = valueArg(k)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)",
		s.qualified(), pgx.Identifier{keyColumn}.Sanitize(), strings.Join(placeholders, ", "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, "pgsrc.FetchByKeys", "querying lookup rows", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	colNames := make([]string, len(fields))
	for i, f := range fields {
		colNames[i] = string(f.Name)
	}

	var out []value.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "pgsrc.FetchByKeys", "reading row values", err)
		}
		row := value.NewRow()
		for i, col := range colNames {
			row.Set(s.table+"."+col, fromPG(vals[i]))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func valueArg(v value.Value) any {
	switch v.Kind {
	case value.KindInt64:
		i, _ := v.AsInt64()
		return i
	case value.KindFloat64:
		f, _ := v.AsFloat64()
		return f
	case value.KindString:
		str, _ := v.AsString()
		return str
	case value.KindTimestamp:
		ts, _ := v.AsTimestamp()
		return ts
	case value.KindDecimal:
		return v.StringValue()
	default:
		return nil
	}
}

func fromPG(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null
	case int64:
		return value.Int64(t)
	case int32:
		return value.Int64(int64(t))
	case float64:
		return value.Float64(t)
	case bool:
		return value.Bool(t)
	case string:
		return value.String(t)
	case []byte:
		return value.Bytes(t)
	case time.Time:
		return value.Timestamp(t)
	default:
		return value.String(fmt.Sprintf("%v", t))
	}
}
