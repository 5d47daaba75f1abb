package evaluator

import "sort"

// Direction describes how a goal's deficit moved between two reports.
type Direction string

const (
	Improved  Direction = "improved"
	Worsened  Direction = "worsened"
	Unchanged Direction = "unchanged"
)

// driftEpsilon absorbs floating point noise in deficit comparisons.
const driftEpsilon = 1e-9

// Drift is the change of one goal between two reports.
type Drift struct {
	Goal          string    `json:"goal"`
	Before        float64   `json:"before"`
	After         float64   `json:"after"`
	CurrentBefore float64   `json:"current_before"`
	CurrentAfter  float64   `json:"current_after"`
	Direction     Direction `json:"direction"`
	// NewlyMet is set when the goal had a deficit before and none after.
	NewlyMet bool    `json:"newly_met"`
	Weight   float64 `json:"weight"`
}

// Compare returns a Drift per goal in after. Goals absent from before are
// compared against a full deficit. Results are ordered worsened first, then
// improved, then unchanged, by weight descending, then by name.
func Compare(before, after Report) []Drift {
	base := make(map[string]GoalEvaluation, len(before.Goals))
	for _, g := range before.Goals {
		base[g.Goal.Name] = g
	}

	out := make([]Drift, 0, len(after.Goals))
	for _, cur := range after.Goals {
		d := Drift{
			Goal:         cur.Goal.Name,
			After:        cur.Deficit,
			CurrentAfter: cur.Current,
			Weight:       cur.Goal.Weight,
			Before:       1,
		}
		if prev, ok := base[cur.Goal.Name]; ok {
			d.Before = prev.Deficit
			d.CurrentBefore = prev.Current
		}

		switch {
		case d.After < d.Before-driftEpsilon:
			d.Direction = Improved
		case d.After > d.Before+driftEpsilon:
			d.Direction = Worsened
		default:
			d.Direction = Unchanged
		}
		d.NewlyMet = d.Before > 0 && cur.Met()
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := directionRank(out[i].Direction), directionRank(out[j].Direction)
		if ri != rj {
			return ri < rj
		}
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Goal < out[j].Goal
	})
	return out
}

func directionRank(d Direction) int {
	switch d {
	case Worsened:
		return 0
	case Improved:
		return 1
	default:
		return 2
	}
}
