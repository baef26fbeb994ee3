// Package mysqlsrc implements the connector.Source contract over
// MySQL/MariaDB using database/sql and go-sql-driver/mysql, following
// the pooling/dialect conventions of the teacher's
// internal/driver/mysql package.
package mysqlsrc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/errs"
	"github.com/stratum-dmt/stratum/internal/paginate"
	"github.com/stratum-dmt/stratum/internal/value"
)

// Config holds connection parameters for a MySQL source table.
type Config struct {
	Host, Database, User, Password string
	Port                            int
	Table                           string
	MaxConns                        int
}

// Source paginates a single MySQL table via keyset queries built by
// internal/paginate.
type Source struct {
	db    *sql.DB
	table string
	pager *paginate.Engine
	meta  connector.TableMetadata
}

// Open connects and loads table metadata (INFORMATION_SCHEMA) so the
// caller can build a paginate.Engine before the first Read.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=false",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, "mysqlsrc.Open", "opening connection", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.ConnectionFailed, "mysqlsrc.Open", "pinging database", err)
	}

	s := &Source{db: db, table: cfg.Table}
	meta, err := s.Describe(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.meta = meta
	return s, nil
}

// Describe introspects INFORMATION_SCHEMA.COLUMNS for the table.
func (s *Source) Describe(ctx context.Context) (connector.TableMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_default,
		       column_key = 'PRI' AS is_pk, extra LIKE '%auto_increment%' AS is_auto_increment,
		       character_maximum_length, numeric_precision, numeric_scale
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, s.table)
	if err != nil {
		return connector.TableMetadata{}, errs.Wrap(errs.MetadataUnavailable, "mysqlsrc.Describe", "querying columns", err)
	}
	defer rows.Close()

	var meta connector.TableMetadata
	for rows.Next() {
		var (
			name, dataType, nullable string
			def                       sql.NullString
			isPK, isAuto              bool
			charLen, numPrec, numScale sql.NullInt64
		)
		if err := rows.Scan(&name, &dataType, &nullable, &def, &isPK, &isAuto, &charLen, &numPrec, &numScale); err != nil {
			return connector.TableMetadata{}, errs.Wrap(errs.MetadataUnavailable, "mysqlsrc.Describe", "scanning column", err)
		}
		col := connector.ColumnMetadata{
			Name:            name,
			DataType:        dataType,
			Nullable:        strings.EqualFold(nullable, "YES"),
			IsPK:            isPK,
			IsAutoIncrement: isAuto,
		}
		if def.Valid {
			col.Default = &def.String
		}
		if charLen.Valid {
			v := int(charLen.Int64)
			col.CharMaxLen = &v
		}
		if numPrec.Valid {
			v := int(numPrec.Int64)
			col.NumericPrecision = &v
		}
		if numScale.Valid {
			v := int(numScale.Int64)
			col.NumericScale = &v
		}
		meta.Columns = append(meta.Columns, col)
		if isPK {
			meta.PrimaryKeyColumns = append(meta.PrimaryKeyColumns, name)
		}
	}
	return meta, rows.Err()
}

// Read issues the next keyset page. pushdown, if non-nil, is appended
// as an additional WHERE clause fragment (source-side FILTER pushdown,
// spec.md §4.1).
func (s *Source) Read(ctx context.Context, cur value.Cursor, limit int, pushdown *connector.FilterPushdown) (value.Batch, error) {
	if s.pager == nil {
		return value.Batch{}, errs.New(errs.Internal, "mysqlsrc.Read", "pager not configured; call SetPager first")
	}
	pred := s.pager.NextPredicate(cur, limit)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM `%s`", s.table)
	var args []any

	var where []string
	switch pred.Op {
	case "pk_gt":
		where = append(where, fmt.Sprintf("`%s` > ?", pred.CursorCol))
		args = append(args, valueArg(pred.CursorVal))
	case "keyset_gt":
		where = append(where, fmt.Sprintf("(`%s` > ? OR (`%s` = ? AND `%s` > ?))",
			pred.CursorCol, pred.CursorCol, pred.Tiebreaker))
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
		orderParts[i] = fmt.Sprintf("`%s` ASC", o.Column)
	}
	sb.WriteString(strings.Join(orderParts, ", "))
	fmt.Fprintf(&sb, " LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return value.Batch{}, errs.Wrap(errs.ConnectionFailed, "mysqlsrc.Read", "querying rows", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return value.Batch{}, errs.Wrap(errs.Internal, "mysqlsrc.Read", "reading columns", err)
	}

	batch, err := scanRows(rows, cols, s.table)
	if err != nil {
		return value.Batch{}, err
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
		cursorCol = tableCursorColumn(s.meta)
	}
	lastCursorVal, _ := last.Get(s.table + "." + cursorCol)
	var lastTiebreaker value.Value
	if pred.Tiebreaker != "" {
		lastTiebreaker, _ = last.Get(s.table + "." + pred.Tiebreaker)
	}
	next, err := s.pager.AdvanceCursor(cur, lastCursorVal, lastTiebreaker)
	if err != nil {
		return value.Batch{}, err
	}
	batch.CursorAfter = next
	return batch, nil
}

// SetPager wires the pagination.Engine built for this item once
// OffsetSpec resolution (including PK-default lookup) has happened.
func (s *Source) SetPager(p *paginate.Engine) { s.pager = p }

func tableCursorColumn(meta connector.TableMetadata) string {
	if pk, ok := meta.SinglePrimaryKey(); ok {
		return pk
	}
	if len(meta.PrimaryKeyColumns) > 0 {
		return meta.PrimaryKeyColumns[0]
	}
	return "id"
}

func (s *Source) Close() error { return s.db.Close() }

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

func scanRows(rows *sql.Rows, cols []string, table string) (value.Batch, error) {
	var batch value.Batch
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return value.Batch{}, errs.Wrap(errs.Internal, "mysqlsrc.scanRows", "scanning row", err)
		}
		row := value.NewRow()
		for i, col := range cols {
			row.Set(table+"."+col, fromSQL(dest[i]))
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, rows.Err()
}

// fromSQL converts a database/sql scan destination into value.Value,
// the one place host-type reflection happens (at the connector
// boundary, never inside the evaluator — spec.md §9).
func fromSQL(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null
	case int64:
		return value.Int64(t)
	case float64:
		return value.Float64(t)
	case bool:
		return value.Bool(t)
	case []byte:
		return value.String(string(t))
	case string:
		return value.String(t)
	case time.Time:
		return value.Timestamp(t)
	default:
		return value.String(fmt.Sprintf("%v", t))
	}
}
