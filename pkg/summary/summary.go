// Package summary aggregates step results into partial-dataset
// metadata and reads/writes the run's summary.json.
package summary

import (
	"sort"

	"github.com/cuemby/steprunner/pkg/types"
)

// Aggregate computes the PartialDatasetMetadata union: declaredTypes
// of FAILED steps, declaredTypes of PARTIAL_SUCCESS... steps, and
// partialTypes of any step regardless of status.
func Aggregate(results []types.StepResult) types.PartialDatasetMetadata {
	seen := make(map[string]struct{})
	add := func(ts []string) {
		for _, t := range ts {
			seen[t] = struct{}{}
		}
	}

	for _, r := range results {
		switch r.Status {
		case types.StepStatusFailure, types.StepStatusPartialSuccessDueToDependencyFailure:
			add(r.DeclaredTypes)
		}
		add(r.PartialTypes)
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return types.PartialDatasetMetadata{Types: out}
}

// Build assembles the full run summary from step results.
func Build(results []types.StepResult) types.RunSummary {
	var rs types.RunSummary
	rs.IntegrationStepResults = results
	rs.Metadata.PartialDatasets = Aggregate(results)
	return rs
}
