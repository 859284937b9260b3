package aggregation

import (
	"github.com/platelab/platevision/internal/datastore/entities"
)

// DeriveDistribution turns a run's well predictions into its distribution.
// Wells are grouped by row letter. In each row the highest column holding a
// well of class target increments that column's key; a row that has wells
// but none of class target increments the unassigned key 0.
//
// Labels that do not parse are returned in skipped and otherwise ignored.
func DeriveDistribution(wells []entities.WellPrediction, target entities.WellClass) (dist entities.Distribution, skipped []string) {
	if target == "" {
		target = entities.WellPositive
	}

	// row letter -> last target column (0 when the row has none)
	rows := make(map[byte]int)
	for i := range wells {
		row, column, err := entities.ParseWellLabel(wells[i].Label)
		if err != nil {
			skipped = append(skipped, wells[i].Label)
			continue
		}
		last := rows[row]
		if wells[i].Class == target && column > last {
			last = column
		}
		rows[row] = last
	}

	for _, column := range rows {
		dist[column]++
	}
	return dist, skipped
}
