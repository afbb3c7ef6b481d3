package session

import "sort"

// FieldGraph maps each worker-relevant field to the fields derived
// directly from it. Rewind uses it to clear transitive dependents;
// the store uses the inverse to enforce dependency-before-use.
type FieldGraph map[string][]string

// DefaultFieldGraph returns the dependency graph of the analysis
// pipeline: intake files feed extraction, extraction feeds trade
// mapping, and so on down to QA and export.
func DefaultFieldGraph() FieldGraph {
	return FieldGraph{
		FieldFiles:          {FieldProcessedFiles},
		FieldProcessedFiles: {FieldTradeMapping},
		FieldTradeMapping:   {FieldScopeItems},
		FieldScopeItems:     {FieldTakeoffData},
		FieldTakeoffData:    {FieldEstimate},
		FieldEstimate:       {FieldQAFindings, FieldExportArtifacts},
	}
}

// TransitiveDependents returns every field reachable downstream of the
// given field, sorted for determinism.
func (g FieldGraph) TransitiveDependents(field string) []string {
	seen := make(map[string]bool)
	var visit func(f string)
	visit = func(f string) {
		for _, dep := range g[f] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(field)

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Prerequisites returns the fields the given field is derived directly
// from, sorted for determinism.
func (g FieldGraph) Prerequisites(field string) []string {
	var out []string
	for parent, deps := range g {
		for _, dep := range deps {
			if dep == field {
				out = append(out, parent)
			}
		}
	}
	sort.Strings(out)
	return out
}
