// Package planfile loads the CLI-facing YAML document that stands in
// for the SMQL parser's output: a MigrationPlan plus the connection
// details needed to open each declared source and destination. The
// SMQL tokenizer/parser/AST→Plan lowering is an external collaborator
// (spec.md §1); this package is the CLI glue that a real deployment
// would replace with that parser's output while keeping the same
// plan.MigrationPlan/executor.Registry shapes.
package planfile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/connector/csvsrc"
	"github.com/stratum-dmt/stratum/internal/connector/mysqlsrc"
	"github.com/stratum-dmt/stratum/internal/connector/pgdest"
	"github.com/stratum-dmt/stratum/internal/connector/pgsrc"
	"github.com/stratum-dmt/stratum/internal/executor"
	"github.com/stratum-dmt/stratum/internal/expr"
	"github.com/stratum-dmt/stratum/internal/plan"
)

// ConnectionDoc describes one declared connection, source or
// destination. Only the fields relevant to Driver are read.
type ConnectionDoc struct {
	Driver   string  `yaml:"driver"` // postgres, mysql, csv
	DSN      string  `yaml:"dsn"`
	Host     string  `yaml:"host"`
	Port     int     `yaml:"port"`
	Database string  `yaml:"database"`
	Schema   string  `yaml:"schema"`
	User     string  `yaml:"user"`
	Password string  `yaml:"password"`
	Table    string  `yaml:"table"`
	MaxConns int     `yaml:"max_conns"`
	Path     string  `yaml:"path"`      // csv only
	Header   bool    `yaml:"header"`    // csv only
	Delim    string  `yaml:"delimiter"` // csv only, single character
	IDColumn *string `yaml:"id_column"` // csv only
}

// MapEntryDoc is one MAP projection entry: target column bound to a
// source lookup (entity.key). Arithmetic, conditions, and function
// calls in MAP/FILTER expressions are the parser's job upstream; the
// CLI plan file only expresses straight column projections.
type MapEntryDoc struct {
	Target       string `yaml:"target"`
	SourceEntity string `yaml:"source_entity"`
	SourceKey    string `yaml:"source_key"`
}

// ItemDoc is one migration item.
type ItemDoc struct {
	ID              string        `yaml:"id"`
	SourceKind      string        `yaml:"source_kind"` // table, csv, api
	SourceNames     []string      `yaml:"source_names"`
	DestinationKind string        `yaml:"destination_kind"` // table, file
	DestinationName string        `yaml:"destination_name"`
	CopyColumns     string        `yaml:"copy_columns"` // all, map_only
	BatchSize       uint32        `yaml:"batch_size"`
	Map             []MapEntryDoc `yaml:"map"`
}

// Document is the top-level plan file.
type Document struct {
	GlobalBatchSize uint32                   `yaml:"global_batch_size"`
	Items           []ItemDoc                `yaml:"items"`
	Sources         map[string]ConnectionDoc `yaml:"sources"`
	Destinations    map[string]ConnectionDoc `yaml:"destinations"`
}

// Load parses a Document from path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("planfile.Load: reading %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("planfile.Load: parsing %s: %w", path, err)
	}
	return doc, nil
}

// Plan lowers the document's items into a plan.MigrationPlan, the same
// structured shape the SMQL parser would hand the core.
func (d Document) Plan() (plan.MigrationPlan, error) {
	out := plan.MigrationPlan{GlobalSettings: plan.DefaultSettings()}
	if d.GlobalBatchSize > 0 {
		out.GlobalSettings.BatchSize = d.GlobalBatchSize
	}

	for _, id := range d.Items {
		item := plan.MigrationItem{
			ID:              id.ID,
			SourceNames:     id.SourceNames,
			DestinationName: id.DestinationName,
			Settings:        plan.Settings{BatchSize: id.BatchSize},
		}
		switch id.SourceKind {
		case "csv":
			item.SourceKind = plan.SourceCsv
		case "api":
			item.SourceKind = plan.SourceAPI
		default:
			item.SourceKind = plan.SourceTable
		}
		if id.DestinationKind == "file" {
			item.DestinationKind = plan.DestinationFile
		}
		if id.CopyColumns == "map_only" {
			item.Settings.CopyColumns = plan.CopyMapOnly
		}
		for _, me := range id.Map {
			if me.Target == "" || me.SourceEntity == "" || me.SourceKey == "" {
				return plan.MigrationPlan{}, fmt.Errorf("planfile.Plan: item %q: map entry missing target/source_entity/source_key", id.ID)
			}
			item.MapSpec = append(item.MapSpec, plan.MapEntry{
				TargetColumn: me.Target,
				Expr:         expr.Lookup(me.SourceEntity, me.SourceKey),
			})
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// BuildRegistry opens every declared connection and returns an
// executor.Registry plus a closer that shuts them all down. A source
// name also present in Destinations gets a distinct handle; the two
// sides of the connector contract are never shared.
func (d Document) BuildRegistry(ctx context.Context, runID string) (executor.Registry, func(), error) {
	reg := executor.Registry{
		Sources:       map[string]connector.Source{},
		LookupSources: map[string]connector.LookupSource{},
		Destinations:  map[string]connector.Destination{},
	}
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for name, conn := range d.Sources {
		src, lookupSrc, closer, err := openSource(ctx, conn)
		if err != nil {
			closeAll()
			return executor.Registry{}, nil, fmt.Errorf("planfile.BuildRegistry: opening source %q: %w", name, err)
		}
		reg.Sources[name] = src
		if lookupSrc != nil {
			reg.LookupSources[name] = lookupSrc
		}
		closers = append(closers, closer)
	}

	for name, conn := range d.Destinations {
		dest, closer, err := openDestination(ctx, conn, runID)
		if err != nil {
			closeAll()
			return executor.Registry{}, nil, fmt.Errorf("planfile.BuildRegistry: opening destination %q: %w", name, err)
		}
		reg.Destinations[name] = dest
		closers = append(closers, closer)
	}

	return reg, func() { closeAll() }, nil
}

func openSource(ctx context.Context, conn ConnectionDoc) (connector.Source, connector.LookupSource, func() error, error) {
	switch conn.Driver {
	case "postgres", "postgresql":
		src, err := pgsrc.Open(ctx, pgsrc.Config{
			DSN: conn.DSN, Schema: conn.Schema, Table: conn.Table, MaxConns: int32(conn.MaxConns),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return src, src, src.Close, nil
	case "mysql":
		src, err := mysqlsrc.Open(ctx, mysqlsrc.Config{
			Host: conn.Host, Port: conn.Port, Database: conn.Database, User: conn.User,
			Password: conn.Password, Table: conn.Table, MaxConns: conn.MaxConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return src, nil, src.Close, nil
	case "csv":
		delim := ','
		if conn.Delim != "" {
			delim = rune(conn.Delim[0])
		}
		src, err := csvsrc.Open(ctx, csvsrc.Config{
			Path: conn.Path, Entity: conn.Table, Header: conn.Header, Delimiter: delim, IDColumn: conn.IDColumn,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return src, nil, src.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown source driver %q", conn.Driver)
	}
}

func openDestination(ctx context.Context, conn ConnectionDoc, runID string) (connector.Destination, func() error, error) {
	switch conn.Driver {
	case "postgres", "postgresql":
		dest, err := pgdest.Open(ctx, pgdest.Config{
			DSN: conn.DSN, Schema: conn.Schema, Table: conn.Table, MaxConns: int32(conn.MaxConns),
		}, runID)
		if err != nil {
			return nil, nil, err
		}
		return dest, dest.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown destination driver %q", conn.Driver)
	}
}
