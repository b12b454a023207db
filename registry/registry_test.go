package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/durable/engine"
	"goa.design/durable/registry"
	"goa.design/durable/retry"
	"goa.design/durable/store"
)

func noopWorkflow(_ *engine.Context, _ map[string]any) (any, error) { return nil, nil }

func noopActivity(_ context.Context, _ []any) (any, error) { return nil, nil }

func noopQuery(_ engine.QueryInfo, _ any) (any, error) { return nil, nil }

func TestRegisterAndLookupWorkflow(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("order", engine.WorkflowOptions{Timeout: time.Hour}, noopWorkflow))

	fn, opts, err := reg.Workflow("order")
	require.NoError(t, err)
	require.NotNil(t, fn)
	require.Equal(t, time.Hour, opts.Timeout)

	_, _, err = reg.Workflow("ghost")
	require.Error(t, err)
	require.Equal(t, engine.KindNotRegistered, engine.KindOf(err))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("order", engine.WorkflowOptions{}, noopWorkflow))
	require.Error(t, reg.RegisterWorkflow("order", engine.WorkflowOptions{}, noopWorkflow))

	require.NoError(t, reg.RegisterActivity("charge", engine.ActivityOptions{}, noopActivity))
	require.Error(t, reg.RegisterActivity("charge", engine.ActivityOptions{}, noopActivity))
}

func TestReservedActivityNameRejected(t *testing.T) {
	reg := registry.New()
	require.Error(t, reg.RegisterActivity(store.SleepActivity, engine.ActivityOptions{}, noopActivity))
}

func TestZeroRetryPolicyGetsDefault(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterActivity("charge", engine.ActivityOptions{}, noopActivity))

	_, opts, err := reg.Activity("charge")
	require.NoError(t, err)
	require.Equal(t, retry.Default(), opts.Retry)
}

func TestExplicitRetryPolicyKept(t *testing.T) {
	reg := registry.New()
	policy := retry.Policy{InitialInterval: time.Second, MaximumAttempts: 5}
	require.NoError(t, reg.RegisterActivity("charge", engine.ActivityOptions{Retry: policy}, noopActivity))

	_, opts, err := reg.Activity("charge")
	require.NoError(t, err)
	require.Equal(t, policy, opts.Retry)
}

func TestQueryLookupScopedToWorkflow(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow("order", engine.WorkflowOptions{}, noopWorkflow))
	require.NoError(t, reg.RegisterQuery("order", "progress", noopQuery))

	fn, err := reg.Query("order", "progress")
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = reg.Query("order", "ghost")
	require.Equal(t, engine.KindNotRegistered, engine.KindOf(err))
	_, err = reg.Query("other", "progress")
	require.Equal(t, engine.KindNotRegistered, engine.KindOf(err))
}
