package spectrum

import (
	"fmt"
	"math"

	"github.com/nadmax/ferreq/internal/control"
	"github.com/nadmax/ferreq/internal/grid"
)

var ErrInitialLabels = fmt.Errorf("%w: initial labels", control.ErrConfiguration)

// ClipFraction of a label's range is kept clear of each grid boundary in initial guesses.
const ClipFraction = 0.01

// InitialLabels returns one initial vector per visit. initial holds either a single map shared by
// all visits or exactly one map per visit. Labels that are not given start at the grid midpoint,
// frozen labels with a value override the guess, and every value is clipped strictly inside the
// grid.
func InitialLabels(g *grid.Grid, initial []map[string]float64, frozen map[string]*float64, nVisits int) ([][]float64, error) {
	switch {
	case len(initial) == 0:
		initial = []map[string]float64{{}}
	case len(initial) != 1 && len(initial) != nVisits:
		return nil, fmt.Errorf("%w: %d label sets for %d visits", ErrInitialLabels, len(initial), nVisits)
	}

	ndim := g.Header.NDim
	override := make(map[int]float64, len(frozen))
	for name, v := range frozen {
		i, ok := g.LabelIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: frozen label %q is not in the grid", ErrInitialLabels, name)
		}
		if v != nil {
			override[i] = *v
		}
	}

	out := make([][]float64, nVisits)
	for v := 0; v < nVisits; v++ {
		labels := initial[0]
		if len(initial) == nVisits {
			labels = initial[v]
		}

		row := make([]float64, ndim)
		for i := range row {
			lower, upper, _ := g.Bounds(i)
			row[i] = (lower + upper) / 2
		}
		for name, value := range labels {
			i, ok := g.LabelIndex(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not in the grid", ErrInitialLabels, name)
			}
			if !isFinite(value) {
				continue
			}
			row[i] = value
		}
		for i, value := range override {
			row[i] = value
		}
		for i := range row {
			lower, upper, _ := g.Bounds(i)
			eps := ClipFraction * (upper - lower)
			row[i] = math.Min(math.Max(row[i], lower+eps), upper-eps)
		}
		out[v] = row
	}
	return out, nil
}
