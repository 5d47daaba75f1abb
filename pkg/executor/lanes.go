package executor

import "github.com/harun/autolab/pkg/actions"

// lane is an ordered run of batch indexes that must execute serially.
type lane []int

// buildLanes groups actions sharing an entity into one lane, keeping
// submission order within and across lanes. Entity-less actions get a lane
// each.
func buildLanes(list []actions.Action) []lane {
	lanes := make([]lane, 0, len(list))
	byEntity := make(map[string]int)

	for i, a := range list {
		if a.EntityKey == "" {
			lanes = append(lanes, lane{i})
			continue
		}
		if li, ok := byEntity[a.EntityKey]; ok {
			lanes[li] = append(lanes[li], i)
			continue
		}
		byEntity[a.EntityKey] = len(lanes)
		lanes = append(lanes, lane{i})
	}
	return lanes
}
