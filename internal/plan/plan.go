// Package plan holds the structured MigrationPlan the SMQL parser
// produces and the core consumes. Nothing in this package parses SMQL
// text — the tokenizer/parser/AST→Plan lowering is an external
// collaborator per spec.md §1; this package only defines the validated
// shape and the plan-hash contract that keys all persisted state.
package plan

import "github.com/stratum-dmt/stratum/internal/expr"

// SourceKind names where an item's rows come from.
type SourceKind int

const (
	SourceTable SourceKind = iota
	SourceCsv
	SourceAPI
)

func (k SourceKind) String() string {
	switch k {
	case SourceCsv:
		return "csv"
	case SourceAPI:
		return "api"
	default:
		return "table"
	}
}

// DestinationKind names where an item's rows are written.
type DestinationKind int

const (
	DestinationTable DestinationKind = iota
	DestinationFile
)

func (k DestinationKind) String() string {
	if k == DestinationFile {
		return "file"
	}
	return "table"
}

// CopyColumns controls which primary-source columns survive
// projection when no explicit MAP-only mode is requested (spec.md §3).
type CopyColumns int

const (
	CopyAll CopyColumns = iota
	CopyMapOnly
)

// Settings is the effective, per-item ⊕ global-default configuration
// (spec.md §3). Zero values mean "unset"; Merge fills unset item
// fields from the global default.
type Settings struct {
	InferSchema         bool        `yaml:"infer_schema"`
	CascadeSchema       bool        `yaml:"cascade_schema"`
	IgnoreConstraints   bool        `yaml:"ignore_constraints"`
	CreateMissingTables bool        `yaml:"create_missing_tables"`
	CreateMissingCols   bool        `yaml:"create_missing_columns"`
	CopyColumns         CopyColumns `yaml:"-"`
	BatchSize           uint32      `yaml:"batch_size"`
	CSVHeader           bool        `yaml:"csv_header"`
	CSVDelimiter        rune        `yaml:"-"`
	CSVIDColumn         *string     `yaml:"csv_id_column"`
}

// DefaultSettings mirrors spec.md §3's stated defaults.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:    1000,
		CSVHeader:    true,
		CSVDelimiter: ',',
	}
}

// Merge returns the effective settings: fields explicitly set on the
// item override; unset numeric/rune fields fall back to base.
func (s Settings) Merge(base Settings) Settings {
	out := s
	if out.BatchSize == 0 {
		out.BatchSize = base.BatchSize
	}
	if out.CSVDelimiter == 0 {
		out.CSVDelimiter = base.CSVDelimiter
	}
	if out.CSVIDColumn == nil {
		out.CSVIDColumn = base.CSVIDColumn
	}
	return out
}

// OffsetStrategy selects the pagination discipline (spec.md §4.2).
type OffsetStrategy int

const (
	OffsetPk OffsetStrategy = iota
	OffsetNumeric
	OffsetTimestamp
)

func (s OffsetStrategy) String() string {
	switch s {
	case OffsetNumeric:
		return "numeric"
	case OffsetTimestamp:
		return "timestamp"
	default:
		return "pk"
	}
}

// OffsetSpec configures pagination for one item (spec.md §3).
type OffsetSpec struct {
	Strategy    OffsetStrategy
	Cursor      *string // column name; required for Numeric/Timestamp
	Tiebreaker  *string // defaults to the primary key
	Timezone    *string // IANA zone, Timestamp only
}

// LoadSpec describes a "LOAD" join enrichment (spec.md §4.3).
type LoadSpec struct {
	Tables  []string
	Matches []Match
}

// Match is one edge of the join DAG: LeftLookup joins to RightLookup.
type Match struct {
	LeftEntity, LeftKey   string
	RightEntity, RightKey string
}

// MapEntry is one target-column projection in declaration order.
type MapEntry struct {
	TargetColumn string
	Expr         *expr.Node
}

// MigrationItem is one source→destination mapping, immutable after
// planning (spec.md §3).
type MigrationItem struct {
	ID                string
	SourceKind        SourceKind
	SourceNames       []string
	DestinationKind   DestinationKind
	DestinationName   string
	Settings          Settings
	FilterAST         *expr.Node
	LoadSpec          *LoadSpec
	MapSpec           []MapEntry
	OffsetSpec        *OffsetSpec
}

// PrimarySource is the item's driving table/file/endpoint name.
func (m MigrationItem) PrimarySource() string {
	if len(m.SourceNames) == 0 {
		return ""
	}
	return m.SourceNames[0]
}

// MigrationPlan is an ordered sequence of items plus global defaults.
type MigrationPlan struct {
	Items           []MigrationItem
	GlobalSettings  Settings
}

// EffectiveSettings returns item i's settings merged over the plan's
// global defaults.
func (p MigrationPlan) EffectiveSettings(i MigrationItem) Settings {
	return i.Settings.Merge(p.GlobalSettings)
}
