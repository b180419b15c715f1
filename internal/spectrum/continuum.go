package spectrum

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var ErrUnknownContinuum = errors.New("unknown continuum method")

// ContinuumFitter estimates the continuum of every visit of a spectrum on its full pixel grid.
type ContinuumFitter interface {
	Fit(s *Spectrum) ([][]float64, error)
}

// ContinuumFactory builds a fitter from declarative options.
type ContinuumFactory func(options map[string]any) (ContinuumFitter, error)

type ContinuumRegistry struct {
	mu        sync.RWMutex
	factories map[string]ContinuumFactory
}

// NewContinuumRegistry returns a registry holding the built-in median and sinusoids methods.
func NewContinuumRegistry() *ContinuumRegistry {
	r := &ContinuumRegistry{factories: make(map[string]ContinuumFactory)}
	r.Register("median", func(map[string]any) (ContinuumFitter, error) {
		return MedianContinuum{}, nil
	})
	r.Register("sinusoids", NewSinusoids)
	return r
}

func (r *ContinuumRegistry) Register(name string, factory ContinuumFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
}

// Resolve builds the fitter for name. An empty name means no rectification and returns nil.
func (r *ContinuumRegistry) Resolve(name string, options map[string]any) (ContinuumFitter, error) {
	if name == "" {
		return nil, nil
	}

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContinuum, name)
	}

	fitter, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("continuum method %q: %w", name, err)
	}
	return fitter, nil
}

func (r *ContinuumRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MedianContinuum scales each visit by the median of its usable flux.
type MedianContinuum struct{}

func (MedianContinuum) Fit(s *Spectrum) ([][]float64, error) {
	out := make([][]float64, s.NVisits())
	for v := range s.Flux {
		var good []float64
		for i, f := range s.Flux[v] {
			if isFinite(f) && f > 0 && usable(s.Sigma[v][i]) && !s.Flags(v, i).IsBad() {
				good = append(good, f)
			}
		}
		c := math.NaN()
		if len(good) > 0 {
			c = median(good)
		}
		row := make([]float64, s.NPix())
		for i := range row {
			row[i] = c
		}
		out[v] = row
	}
	return out, nil
}

// Sinusoids fits a constant plus Deg sine/cosine pairs of length scale L to each region of each
// visit by inverse-variance weighted least squares with a ridge term of Scalar times the largest
// eigenvalue of the normal matrix.
type Sinusoids struct {
	Deg     int
	L       float64
	Scalar  float64
	Regions [][2]float64
}

func NewSinusoids(options map[string]any) (ContinuumFitter, error) {
	s := &Sinusoids{Deg: 3, L: 1400, Scalar: 1e-6}

	var err error
	if s.Deg, err = intOption(options, "deg", s.Deg); err != nil {
		return nil, err
	}
	if s.L, err = floatOption(options, "L", s.L); err != nil {
		return nil, err
	}
	if s.Scalar, err = floatOption(options, "scalar", s.Scalar); err != nil {
		return nil, err
	}
	if s.Regions, err = regionsOption(options, "regions"); err != nil {
		return nil, err
	}
	if s.Deg < 0 || s.L <= 0 {
		return nil, fmt.Errorf("deg must be >= 0 and L > 0, got %d and %g", s.Deg, s.L)
	}
	return s, nil
}

func (c *Sinusoids) Fit(s *Spectrum) ([][]float64, error) {
	regions := c.regionSlices(s.Wavelength)
	out := make([][]float64, s.NVisits())

	for v := range s.Flux {
		row := make([]float64, s.NPix())
		for i := range row {
			row[i] = math.NaN()
		}

		for _, reg := range regions {
			theta, err := c.solve(s, v, reg[0], reg[1])
			if err != nil {
				return nil, fmt.Errorf("visit %d: %w", v, err)
			}
			for i := reg[0]; i < reg[1]; i++ {
				row[i] = dot(c.basis(s.Wavelength[i]), theta)
			}
		}
		out[v] = row
	}
	return out, nil
}

func (c *Sinusoids) solve(s *Spectrum, v, lo, hi int) ([]float64, error) {
	k := 2*c.Deg + 1
	ata := mat.NewSymDense(k, nil)
	aty := mat.NewVecDense(k, nil)

	used := 0
	for i := lo; i < hi; i++ {
		f, sig := s.Flux[v][i], s.Sigma[v][i]
		if !isFinite(f) || !usable(sig) || s.Flags(v, i).IsBad() {
			continue
		}
		ivar := 1 / (sig * sig)
		if ivar == 0 {
			continue
		}
		used++
		b := c.basis(s.Wavelength[i])
		for r := 0; r < k; r++ {
			aty.SetVec(r, aty.AtVec(r)+ivar*b[r]*f)
			for q := r; q < k; q++ {
				ata.SetSym(r, q, ata.At(r, q)+ivar*b[r]*b[q])
			}
		}
	}
	if used == 0 {
		return make([]float64, k), nil
	}

	var eig mat.EigenSym
	if !eig.Factorize(ata, false) {
		return nil, errors.New("eigen decomposition of normal matrix failed")
	}
	ridge := c.Scalar * slices.Max(eig.Values(nil))
	for r := 0; r < k; r++ {
		ata.SetSym(r, r, ata.At(r, r)+ridge)
	}

	var theta mat.VecDense
	if err := theta.SolveVec(ata, aty); err != nil {
		// a Condition error still carries a usable solution
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("solve continuum: %w", err)
		}
	}
	return theta.RawVector().Data, nil
}

func (c *Sinusoids) basis(x float64) []float64 {
	scale := 2 * math.Pi / c.L
	b := make([]float64, 0, 2*c.Deg+1)
	b = append(b, 1)
	for o := 1; o <= c.Deg; o++ {
		b = append(b, math.Cos(float64(o)*scale*x), math.Sin(float64(o)*scale*x))
	}
	return b
}

// regionSlices converts wavelength regions to [lo, hi) pixel ranges; no regions means the whole axis.
func (c *Sinusoids) regionSlices(wavelength []float64) [][2]int {
	if len(c.Regions) == 0 {
		return [][2]int{{0, len(wavelength)}}
	}
	out := make([][2]int, 0, len(c.Regions))
	for _, r := range c.Regions {
		lo := sort.SearchFloat64s(wavelength, r[0])
		hi := sort.SearchFloat64s(wavelength, r[1])
		if hi > lo {
			out = append(out, [2]int{lo, hi})
		}
	}
	return out
}

func usable(sigma float64) bool {
	return isFinite(sigma) && sigma > 0
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// median averages the two middle values for even-length input.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func floatOption(options map[string]any, key string, def float64) (float64, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("option %s: expected a number, got %T", key, v)
}

func intOption(options map[string]any, key string, def int) (int, error) {
	f, err := floatOption(options, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("option %s: expected an integer, got %g", key, f)
	}
	return int(f), nil
}

func regionsOption(options map[string]any, key string) ([][2]float64, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("option %s: expected a list of [start, end] pairs", key)
	}
	out := make([][2]float64, 0, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("option %s[%d]: expected [start, end]", key, i)
		}
		lo, err := floatOption(map[string]any{"v": pair[0]}, "v", 0)
		if err != nil {
			return nil, fmt.Errorf("option %s[%d]: %w", key, i, err)
		}
		hi, err := floatOption(map[string]any{"v": pair[1]}, "v", 0)
		if err != nil {
			return nil, fmt.Errorf("option %s[%d]: %w", key, i, err)
		}
		out = append(out, [2]float64{lo, hi})
	}
	return out, nil
}
