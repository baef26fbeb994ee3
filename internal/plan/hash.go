package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/stratum-dmt/stratum/internal/expr"
)

// Hash returns the plan's content hash: a 256-bit digest over the
// canonicalized plan (spec.md §9). Two plans with identical semantics
// hash identically; any edit — including a settings change — produces
// a different hash and therefore fresh checkpoint state (spec.md §3,
// "Plan hash").
//
// Canonicalization: settings are serialized in a fixed field order
// (equivalent to sorting a settings map by key), function names in
// expressions are lowercased by expr.Print, and whitespace is
// normalized to single spaces between tokens.
func (p MigrationPlan) Hash() string {
	var b strings.Builder
	b.WriteString("settings:")
	writeSettings(&b, p.GlobalSettings)
	b.WriteString("|items:")

	items := make([]MigrationItem, len(p.Items))
	copy(items, p.Items)
	// Item order is semantically significant (execution isn't
	// reordered across items) so we hash in declared order, not
	// sorted — only *within* an item are maps/sets canonicalized.
	for _, item := range items {
		writeItem(&b, item)
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(normalizeWhitespace(b.String())))
	return hex.EncodeToString(sum[:])
}

func writeSettings(b *strings.Builder, s Settings) {
	fmt.Fprintf(b, "infer_schema=%v,cascade_schema=%v,ignore_constraints=%v,",
		s.InferSchema, s.CascadeSchema, s.IgnoreConstraints)
	fmt.Fprintf(b, "create_missing_tables=%v,create_missing_columns=%v,copy_columns=%d,",
		s.CreateMissingTables, s.CreateMissingCols, s.CopyColumns)
	fmt.Fprintf(b, "batch_size=%d,csv_header=%v,csv_delimiter=%c", s.BatchSize, s.CSVHeader, s.CSVDelimiter)
	if s.CSVIDColumn != nil {
		fmt.Fprintf(b, ",csv_id_column=%s", *s.CSVIDColumn)
	}
}

func writeItem(b *strings.Builder, item MigrationItem) {
	fmt.Fprintf(b, "id=%s,source_kind=%s,source_names=[%s],destination_kind=%s,destination_name=%s,",
		item.ID, item.SourceKind, strings.Join(item.SourceNames, ","), item.DestinationKind, item.DestinationName)
	b.WriteString("settings=(")
	writeSettings(b, item.Settings)
	b.WriteString(")")

	if item.OffsetSpec != nil {
		fmt.Fprintf(b, ",offset=(strategy=%s", item.OffsetSpec.Strategy)
		if item.OffsetSpec.Cursor != nil {
			fmt.Fprintf(b, ",cursor=%s", *item.OffsetSpec.Cursor)
		}
		if item.OffsetSpec.Tiebreaker != nil {
			fmt.Fprintf(b, ",tiebreaker=%s", *item.OffsetSpec.Tiebreaker)
		}
		if item.OffsetSpec.Timezone != nil {
			fmt.Fprintf(b, ",tz=%s", *item.OffsetSpec.Timezone)
		}
		b.WriteString(")")
	}

	if item.FilterAST != nil {
		fmt.Fprintf(b, ",filter=%s", expr.Print(item.FilterAST))
	}

	if item.LoadSpec != nil {
		tables := append([]string(nil), item.LoadSpec.Tables...)
		sort.Strings(tables)
		fmt.Fprintf(b, ",load_tables=[%s]", strings.Join(tables, ","))

		matches := make([]string, len(item.LoadSpec.Matches))
		for i, m := range item.LoadSpec.Matches {
			matches[i] = fmt.Sprintf("%s.%s->%s.%s", m.LeftEntity, m.LeftKey, m.RightEntity, m.RightKey)
		}
		sort.Strings(matches)
		fmt.Fprintf(b, ",matches=[%s]", strings.Join(matches, ","))
	}

	if len(item.MapSpec) > 0 {
		b.WriteString(",map=[")
		for i, entry := range item.MapSpec {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%s:%s", entry.TargetColumn, expr.Print(entry.Expr))
		}
		b.WriteString("]")
	}
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
