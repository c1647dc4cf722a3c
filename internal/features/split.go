package features

import (
	"fmt"
	"math"

	"github.com/lox/bikecast/internal/models"
)

// Boundary returns floor(n * (1 - testFraction)).
func Boundary(n int, testFraction float64) (int, error) {
	if math.IsNaN(testFraction) || testFraction <= 0 || testFraction >= 1 {
		return 0, fmt.Errorf("%w: test fraction %v is outside (0, 1)", models.ErrValidation, testFraction)
	}
	b := int(math.Floor(float64(n) * (1 - testFraction)))
	if b < 0 {
		b = 0
	}
	if b > n {
		b = n
	}
	return b, nil
}

// Split partitions time-ordered records into a training prefix and a test
// suffix without shuffling. The returned slices share the input's backing
// array and are capped so appending to train cannot overwrite test.
func Split[T any](records []T, testFraction float64) (train, test []T, err error) {
	b, err := Boundary(len(records), testFraction)
	if err != nil {
		return nil, nil, err
	}
	return records[:b:b], records[b:], nil
}
