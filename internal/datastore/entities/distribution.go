package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// DistributionKeys is the number of distribution buckets (keys 0..12).
	DistributionKeys = 13
	// MaxDistributionKey is the highest valid key.
	MaxDistributionKey = DistributionKeys - 1
	// UnassignedKey is the reserved bucket for rows without a positive well.
	UnassignedKey = 0
)

// Distribution holds the count for each key 0..12. The total is never stored
// inside the value; it is always derived with Total.
type Distribution [DistributionKeys]int

// DistributionFromMap builds a Distribution from sparse key/count pairs.
// Keys outside 0..12 are reported as an error, negative counts are clamped to 0.
func DistributionFromMap(counts map[int]int) (Distribution, error) {
	var d Distribution
	for key, count := range counts {
		if !ValidKey(key) {
			return Distribution{}, fmt.Errorf("distribution key %d outside 0..%d", key, MaxDistributionKey)
		}
		d[key] = max(count, 0)
	}
	return d, nil
}

// ValidKey reports whether key addresses a distribution bucket.
func ValidKey(key int) bool {
	return key >= 0 && key <= MaxDistributionKey
}

// Total returns the sum of keys 0..12.
func (d Distribution) Total() int {
	total := 0
	for _, n := range d {
		total += n
	}
	return total
}

// Add returns the key-wise sum of d and other.
func (d Distribution) Add(other Distribution) Distribution {
	for i := range d {
		d[i] += other[i]
	}
	return d
}

// Patch returns d with the supplied keys overwritten. The caller validates keys.
func (d Distribution) Patch(counts map[int]int) Distribution {
	for key, count := range counts {
		if ValidKey(key) {
			d[key] = max(count, 0)
		}
	}
	return d
}

// Map returns the non-zero buckets.
func (d Distribution) Map() map[int]int {
	m := make(map[int]int)
	for key, n := range d {
		if n != 0 {
			m[key] = n
		}
	}
	return m
}

// MarshalJSON renders {"0":n,...,"12":n,"total":n} with keys in numeric order.
func (d Distribution) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for key, n := range d {
		fmt.Fprintf(&buf, "%q:%d,", strconv.Itoa(key), n)
	}
	fmt.Fprintf(&buf, "%q:%d}", "total", d.Total())
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the MarshalJSON form. Missing keys read as 0, the
// "total" member is ignored and recomputed, any other member is an error.
func (d *Distribution) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Distribution
	for name, n := range raw {
		if name == "total" {
			continue
		}
		key, err := strconv.Atoi(name)
		if err != nil || !ValidKey(key) {
			return fmt.Errorf("unknown distribution key %q", name)
		}
		out[key] = max(n, 0)
	}
	*d = out
	return nil
}
