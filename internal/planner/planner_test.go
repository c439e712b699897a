package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdesk/internal/plan"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		objective string
		want      Category
	}{
		{"Process the quarterly CSV export", CategoryDataProcessing},
		{"Generate the weekly status report", CategoryReportGeneration},
		{"Send the invoice to accounting", CategoryIntegration},
		{"Summarize the customer data", CategoryReportGeneration}, // report wins over data
		{"Tidy the workspace", CategoryGeneric},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.objective), tc.objective)
	}
}

func TestDecomposeProducesRunnableSteps(t *testing.T) {
	p := NewTemplate()

	for _, objective := range []string{
		"Process the sales data",
		"Write the monthly report",
		"Publish release notes",
		"Do the thing",
	} {
		steps, err := p.Decompose(context.Background(), objective, plan.Context{})
		require.NoError(t, err, objective)
		require.NotEmpty(t, steps, objective)

		// IDs are ordinal-relative so dependencies must point backwards
		for i, s := range steps {
			assert.NotEmpty(t, s.Actions, objective)
			for _, dep := range s.Dependencies {
				found := false
				for j := 0; j < i; j++ {
					if plan.StepID(j) == dep {
						found = true
					}
				}
				assert.True(t, found, "%s: %s has forward or dangling dependency %s", objective, s.Name, dep)
			}
		}
	}
}

func TestDecomposeIntegrationGatesDelivery(t *testing.T) {
	steps, err := NewTemplate().Decompose(context.Background(), "Send the invoices", plan.Context{})
	require.NoError(t, err)

	var delivery *plan.Step
	for _, s := range steps {
		if s.Name == "Deliver" {
			delivery = s
		}
	}
	require.NotNil(t, delivery)
	assert.True(t, delivery.Critical)
	assert.Equal(t, plan.RiskHigh, delivery.Risk)
}

func TestDecomposeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTemplate().Decompose(ctx, "anything", plan.Context{})
	assert.ErrorIs(t, err, context.Canceled)
}
