package entities

import (
	"fmt"
	"strconv"
	"strings"
)

// WellClass is the classifier's verdict for one well.
type WellClass string

const (
	WellPositive WellClass = "positive"
	WellNegative WellClass = "negative"
	WellInvalid  WellClass = "invalid"
)

// ParseWellClass maps classifier output onto the three known classes.
// Anything unrecognised is treated as invalid.
func ParseWellClass(s string) WellClass {
	switch WellClass(strings.ToLower(strings.TrimSpace(s))) {
	case WellPositive:
		return WellPositive
	case WellNegative:
		return WellNegative
	default:
		return WellInvalid
	}
}

// WellPrediction is one detected well of a run.
type WellPrediction struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RunID      uint      `gorm:"not null;index" json:"-"`
	Label      string    `gorm:"type:varchar(8);not null" json:"label"` // e.g. "A1".."H12"
	Class      WellClass `gorm:"type:varchar(16);not null" json:"class"`
	Confidence float64   `gorm:"not null" json:"confidence"`
	X1         float64   `json:"x1"`
	Y1         float64   `json:"y1"`
	X2         float64   `json:"x2"`
	Y2         float64   `json:"y2"`
}

// TableName returns the table name for GORM.
func (WellPrediction) TableName() string {
	return "well_predictions"
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	return min(max(c, 0), 1)
}

// ParseWellLabel splits a label such as "C7" into its row letter and column.
func ParseWellLabel(label string) (row byte, column int, err error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if len(label) < 2 {
		return 0, 0, fmt.Errorf("well label %q too short", label)
	}
	row = label[0]
	if row < 'A' || row > 'Z' {
		return 0, 0, fmt.Errorf("well label %q has no row letter", label)
	}
	column, err = strconv.Atoi(label[1:])
	if err != nil || column < 1 || column > MaxDistributionKey {
		return 0, 0, fmt.Errorf("well label %q has no column in 1..%d", label, MaxDistributionKey)
	}
	return row, column, nil
}
