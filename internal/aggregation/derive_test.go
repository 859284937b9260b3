package aggregation

import (
	"testing"

	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/stretchr/testify/assert"
)

func well(label string, class entities.WellClass) entities.WellPrediction {
	return entities.WellPrediction{Label: label, Class: class, Confidence: 0.9}
}

func TestDeriveDistribution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		wells       []entities.WellPrediction
		want        entities.Distribution
		wantSkipped []string
	}{
		{
			name: "no wells",
			want: entities.Distribution{},
		},
		{
			name: "last positive column per row",
			wells: []entities.WellPrediction{
				well("A1", entities.WellPositive),
				well("A2", entities.WellPositive),
				well("A3", entities.WellNegative),
				well("B1", entities.WellPositive),
				well("C12", entities.WellPositive),
				well("c4", entities.WellPositive),
			},
			want: entities.Distribution{1: 1, 2: 1, 12: 1},
		},
		{
			name: "row without positives counts as unassigned",
			wells: []entities.WellPrediction{
				well("D1", entities.WellNegative),
				well("D2", entities.WellInvalid),
				well("E4", entities.WellPositive),
			},
			want: entities.Distribution{0: 1, 4: 1},
		},
		{
			name: "gaps do not matter",
			wells: []entities.WellPrediction{
				well("F1", entities.WellPositive),
				well("F2", entities.WellNegative),
				well("F9", entities.WellPositive),
			},
			want: entities.Distribution{9: 1},
		},
		{
			name: "bad labels are skipped",
			wells: []entities.WellPrediction{
				well("Z0", entities.WellPositive),
				well("G13", entities.WellPositive),
				well("G5", entities.WellPositive),
			},
			want:        entities.Distribution{5: 1},
			wantSkipped: []string{"Z0", "G13"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, skipped := DeriveDistribution(tt.wells, "")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSkipped, skipped)
			assert.Equal(t, got.Total(), got.Map()[0]+sumNonZero(got))
		})
	}
}

func sumNonZero(d entities.Distribution) int {
	total := 0
	for key := 1; key <= entities.MaxDistributionKey; key++ {
		total += d[key]
	}
	return total
}
