package flow

import (
	"fmt"
	"image"
	"sort"
)

// VectorField is a dense per-pixel displacement estimate in pixels of the
// images it was estimated from. Index is y*Width + x.
type VectorField struct {
	Width  int
	Height int
	U      []float32
	V      []float32
}

// Estimator computes dense optical flow from prev to curr. Both images have
// identical bounds. A pixel at p in prev is expected at p+(U,V) in curr.
type Estimator interface {
	Estimate(prev, curr *image.Gray) (VectorField, error)
}

func checkSameSize(prev, curr *image.Gray) error {
	if prev.Bounds().Size() != curr.Bounds().Size() {
		return fmt.Errorf("flow: frame size mismatch %v vs %v", prev.Bounds().Size(), curr.Bounds().Size())
	}
	if prev.Bounds().Empty() {
		return fmt.Errorf("flow: empty frame")
	}
	return nil
}

// estimators maps the names accepted by NewEstimator to constructors.
// Build-tagged estimators register themselves in init.
var estimators = map[string]func() Estimator{
	"lucaskanade": func() Estimator { return NewLucasKanade() },
}

// NewEstimator returns the estimator registered under name.
func NewEstimator(name string) (Estimator, error) {
	ctor, ok := estimators[name]
	if !ok {
		return nil, fmt.Errorf("flow: unknown estimator %q (available: %v)", name, EstimatorNames())
	}
	return ctor(), nil
}

// EstimatorNames lists the registered estimator names, sorted.
func EstimatorNames() []string {
	names := make([]string, 0, len(estimators))
	for name := range estimators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
