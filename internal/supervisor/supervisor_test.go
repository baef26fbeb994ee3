package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/connector"
	"github.com/stratum-dmt/stratum/internal/events"
	"github.com/stratum-dmt/stratum/internal/executor"
	"github.com/stratum-dmt/stratum/internal/plan"
	"github.com/stratum-dmt/stratum/internal/state"
)

func TestOutcomeExitCode(t *testing.T) {
	require.Equal(t, 0, OutcomeSuccess.ExitCode())
	require.Equal(t, 1, OutcomeFailed.ExitCode())
	require.Equal(t, 130, OutcomeCancelled.ExitCode())
}

func TestSupervisorShutdownBeforeRunCancelsImmediately(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	registry := executor.Registry{
		Sources:      map[string]connector.Source{},
		Destinations: map[string]connector.Destination{},
	}
	exec := executor.New(store, registry, events.NewBus(), 1)
	super := New(exec)

	// Trip the token before Run even starts; Run must observe an
	// already-cancelled context, not merely a not-yet-armed one.
	super.Shutdown()

	p := plan.MigrationPlan{GlobalSettings: plan.DefaultSettings()}
	_, outcome, _ := super.Run(ctx, p)
	require.Equal(t, OutcomeCancelled, outcome, "Run starts with an already-cancelled context, so even an empty plan ends cancelled")
}

func TestSupervisorMissingSourceFailsRatherThanCancels(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	registry := executor.Registry{
		Sources:      map[string]connector.Source{},
		Destinations: map[string]connector.Destination{},
	}
	exec := executor.New(store, registry, events.NewBus(), 1)
	super := New(exec)

	p := plan.MigrationPlan{
		GlobalSettings: plan.DefaultSettings(),
		Items: []plan.MigrationItem{
			{ID: "missing", SourceKind: plan.SourceTable, SourceNames: []string{"missing"}, DestinationKind: plan.DestinationTable, DestinationName: "missing"},
		},
	}

	_, outcome, err := super.Run(ctx, p)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome, "a missing source is a plan error, not a cancellation")
}
