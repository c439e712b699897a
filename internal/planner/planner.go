// Package planner provides the built-in planning collaborator: a
// deterministic, template-based decomposer that classifies an objective by
// keyword and emits a canned step sequence for its category.
package planner

import (
	"context"
	"strings"

	"taskdesk/internal/plan"
)

// Category is the coarse task class an objective is sorted into.
type Category string

const (
	CategoryDataProcessing   Category = "DATA_PROCESSING"
	CategoryReportGeneration Category = "REPORT_GENERATION"
	CategoryIntegration      Category = "INTEGRATION"
	CategoryGeneric          Category = "GENERIC"
)

var categoryKeywords = map[Category][]string{
	CategoryDataProcessing:   {"data", "csv", "dataset", "process", "transform", "clean", "parse", "import"},
	CategoryReportGeneration: {"report", "summary", "summarize", "digest", "weekly", "monthly"},
	CategoryIntegration:      {"send", "email", "post", "publish", "notify", "upload", "sync", "api"},
}

// Classify buckets an objective into a category by keyword match. Report
// generation wins over data processing when both match, since reports
// usually mention their inputs too.
func Classify(objective string) Category {
	lower := strings.ToLower(objective)

	match := func(c Category) bool {
		for _, kw := range categoryKeywords[c] {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	}

	switch {
	case match(CategoryReportGeneration):
		return CategoryReportGeneration
	case match(CategoryDataProcessing):
		return CategoryDataProcessing
	case match(CategoryIntegration):
		return CategoryIntegration
	default:
		return CategoryGeneric
	}
}

// Template is the template-based planner. It satisfies the engine's
// Planner interface.
type Template struct{}

// NewTemplate returns the built-in planner.
func NewTemplate() *Template {
	return &Template{}
}

// Decompose emits the step sequence for the objective's category. Step IDs
// are left empty; the caller assigns ordinals.
func (t *Template) Decompose(ctx context.Context, objective string, pctx plan.Context) ([]*plan.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch Classify(objective) {
	case CategoryDataProcessing:
		return dataProcessingSteps(), nil
	case CategoryReportGeneration:
		return reportSteps(), nil
	case CategoryIntegration:
		return integrationSteps(), nil
	default:
		return genericSteps(), nil
	}
}

func dataProcessingSteps() []*plan.Step {
	return []*plan.Step{
		{
			Name:            "Locate input data",
			Description:     "Find and validate the input files or sources",
			Actions:         []string{"locate_inputs", "validate_inputs"},
			ExpectedOutputs: []string{"input_manifest"},
			Risk:            plan.RiskLow,
		},
		{
			Name:            "Process data",
			Description:     "Parse, clean and transform the inputs",
			Actions:         []string{"parse_data", "transform_data"},
			ExpectedOutputs: []string{"processed_data"},
			Dependencies:    []string{"step-001"},
			Critical:        true,
		},
		{
			Name:            "Write results",
			Description:     "Persist the processed output",
			Actions:         []string{"write_output"},
			ExpectedOutputs: []string{"output_path"},
			Dependencies:    []string{"step-002"},
			Risk:            plan.RiskLow,
		},
	}
}

func reportSteps() []*plan.Step {
	return []*plan.Step{
		{
			Name:            "Gather source material",
			Description:     "Collect the inputs the report is built from",
			Actions:         []string{"collect_sources"},
			ExpectedOutputs: []string{"source_material"},
			Risk:            plan.RiskLow,
		},
		{
			Name:            "Analyze and summarize",
			Description:     "Extract the findings worth reporting",
			Actions:         []string{"analyze_sources", "summarize_findings"},
			ExpectedOutputs: []string{"findings"},
			Dependencies:    []string{"step-001"},
		},
		{
			Name:            "Draft report",
			Description:     "Produce the report document",
			Actions:         []string{"draft_report"},
			ExpectedOutputs: []string{"report_document"},
			Dependencies:    []string{"step-002"},
			Critical:        true,
		},
		{
			Name:            "Review and finalize",
			Description:     "Check the draft against the success criteria",
			Actions:         []string{"review_report"},
			ExpectedOutputs: []string{"final_report"},
			Dependencies:    []string{"step-003"},
			Risk:            plan.RiskLow,
		},
	}
}

func integrationSteps() []*plan.Step {
	return []*plan.Step{
		{
			Name:            "Prepare payload",
			Description:     "Assemble and validate the outbound content",
			Actions:         []string{"prepare_payload", "validate_payload"},
			ExpectedOutputs: []string{"payload"},
			Risk:            plan.RiskLow,
		},
		{
			Name:            "Deliver",
			Description:     "Send the payload to its destination",
			Actions:         []string{"deliver_payload"},
			ExpectedOutputs: []string{"delivery_receipt"},
			Dependencies:    []string{"step-001"},
			Critical:        true,
			Risk:            plan.RiskHigh,
		},
		{
			Name:            "Confirm delivery",
			Description:     "Verify the destination accepted the payload",
			Actions:         []string{"confirm_delivery"},
			ExpectedOutputs: []string{"confirmation"},
			Dependencies:    []string{"step-002"},
			Risk:            plan.RiskLow,
		},
	}
}

func genericSteps() []*plan.Step {
	return []*plan.Step{
		{
			Name:            "Understand task",
			Description:     "Break down what the task actually requires",
			Actions:         []string{"analyze_task"},
			ExpectedOutputs: []string{"task_analysis"},
			Risk:            plan.RiskLow,
		},
		{
			Name:            "Execute task",
			Description:     "Carry out the main work",
			Actions:         []string{"execute_task"},
			ExpectedOutputs: []string{"task_result"},
			Dependencies:    []string{"step-001"},
			Critical:        true,
		},
		{
			Name:            "Verify outcome",
			Description:     "Check the result against expectations",
			Actions:         []string{"verify_result"},
			ExpectedOutputs: []string{"verification"},
			Dependencies:    []string{"step-002"},
			Risk:            plan.RiskLow,
		},
	}
}
