package spectrum

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// Mask selects the observed pixels that fall inside the model wavelength windows.
type Mask []bool

// relTolerance absorbs rounding between observed and model wavelength arrays.
const relTolerance = 1e-7

// GridMask locates each model segment in the observed wavelength array by sorted search. A window
// whose length disagrees with the segment's pixel count is logged and truncated to that count.
func GridMask(wavelength []float64, model [][]float64, logger *zap.Logger) Mask {
	if logger == nil {
		logger = zap.NewNop()
	}

	mask := make(Mask, len(wavelength))
	for _, seg := range model {
		if len(seg) == 0 {
			continue
		}
		first, last := seg[0], seg[len(seg)-1]
		start := sort.SearchFloat64s(wavelength, first-math.Abs(first)*relTolerance)
		end := sort.SearchFloat64s(wavelength, last+math.Abs(last)*relTolerance)

		if end-start != len(seg) {
			logger.Warn("model wavelength grid does not match observed pixels",
				zap.Int("observed", end-start),
				zap.Int("expected", len(seg)),
				zap.Float64("start", first),
				zap.Float64("end", last),
			)
			end = min(start+len(seg), len(wavelength))
		}
		for i := start; i < end; i++ {
			mask[i] = true
		}
	}
	return mask
}

func (m Mask) Count() int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}

// Apply keeps the masked pixels of row.
func (m Mask) Apply(row []float64) []float64 {
	out := make([]float64, 0, m.Count())
	for i, ok := range m {
		if ok && i < len(row) {
			out = append(out, row[i])
		}
	}
	return out
}

// Expand places a restricted row back on the full pixel grid, NaN elsewhere.
func (m Mask) Expand(row []float64) []float64 {
	out := make([]float64, len(m))
	j := 0
	for i, ok := range m {
		if ok && j < len(row) {
			out[i] = row[j]
			j++
			continue
		}
		out[i] = math.NaN()
	}
	return out
}
