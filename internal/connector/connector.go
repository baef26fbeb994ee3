// Package connector defines the uniform contract every source and
// destination adapter satisfies (spec.md §4.1, §9 "Trait-style adapter
// polymorphism"): small orthogonal capability sets rather than deep
// inheritance, dispatched statically once the concrete adapter is
// known at plan time.
package connector

import (
	"context"

	"github.com/stratum-dmt/stratum/internal/value"
)

// ColumnMetadata describes one column of a source or destination
// table (spec.md §4.1).
type ColumnMetadata struct {
	Name              string
	DataType          string
	Nullable          bool
	Default           *string
	IsPK              bool
	IsUnique          bool
	IsAutoIncrement   bool
	CharMaxLen        *int
	NumericPrecision  *int
	NumericScale      *int
	ForeignKey        *ForeignKey
}

// ForeignKey names a referenced table/column for cascade-schema
// inference (spec.md §3, "cascade_schema").
type ForeignKey struct {
	Table  string
	Column string
}

// TableMetadata is what Describe returns.
type TableMetadata struct {
	Columns            []ColumnMetadata
	PrimaryKeyColumns  []string
}

// ColumnByName looks up a column, case-sensitively, by name.
func (m TableMetadata) ColumnByName(name string) (ColumnMetadata, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnMetadata{}, false
}

// SinglePrimaryKey returns the sole PK column name, for OffsetSpec's
// Pk-strategy default (spec.md §3), or false if the table has zero or
// multiple PK columns.
func (m TableMetadata) SinglePrimaryKey() (string, bool) {
	if len(m.PrimaryKeyColumns) == 1 {
		return m.PrimaryKeyColumns[0], true
	}
	return "", false
}

// FilterPushdown lets the pipeline push a FILTER predicate down to a
// source that can evaluate it natively; adapters that cannot are free
// to ignore it and let internal/expr filter after read.
type FilterPushdown struct {
	SQLFragment string
	Args        []any
}

// Source is the uniform read side of the connector contract.
type Source interface {
	Describe(ctx context.Context) (TableMetadata, error)
	Read(ctx context.Context, cur value.Cursor, limit int, pushdown *FilterPushdown) (value.Batch, error)
	Close() error
}

// LookupSource is the subset of Source the lookup planner needs for
// auxiliary ("LOAD") tables: a batched keyed fetch rather than
// paginated scan (spec.md §4.3).
type LookupSource interface {
	Describe(ctx context.Context) (TableMetadata, error)
	FetchByKeys(ctx context.Context, keyColumn string, keys []value.Value) ([]value.Row, error)
	Close() error
}

// Capabilities advertises which write strategies and semantics a
// destination supports (spec.md §4.1). The pipeline does not consult
// it; each Destination's Write picks its own write path.
type Capabilities struct {
	CopyStreaming bool
	UpsertNative  bool
	MergeStatements bool
	Transactions  bool
	DDLOnline     bool
	TempTables    bool
}

// SchemaPlan is what Prepare uses to create missing tables/columns
// when settings.create_missing_tables/create_missing_columns are set
// (spec.md §3).
type SchemaPlan struct {
	TableName         string
	Columns           []ColumnMetadata
	CreateIfMissing   bool
	AddMissingColumns bool
}

// WriteResult reports what a Write call actually persisted.
type WriteResult struct {
	Rows  int64
	Bytes int64
}

// Destination is the uniform write side of the connector contract.
type Destination interface {
	Prepare(ctx context.Context, plan SchemaPlan) error
	Write(ctx context.Context, batch value.Batch) (WriteResult, error)
	Flush(ctx context.Context) error
	Capabilities() Capabilities
	Describe(ctx context.Context) (TableMetadata, error)
}
