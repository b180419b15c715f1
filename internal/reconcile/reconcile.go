// Package reconcile maps the solver's output files back onto the rows that were submitted.
// The input parameter file is the ground truth for what was submitted and in which order;
// every output file is treated as a possibly partial permutation of it.
package reconcile

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/nadmax/ferreq/internal/control"
	"github.com/nadmax/ferreq/internal/solverio"
	"go.uber.org/zap"
)

var ErrInconsistentOutput = errors.New("inconsistent solver output")

type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeDegraded Outcome = "degraded"
)

// Table is the solver output realigned to input order. Rows the solver did not return are NaN.
type Table struct {
	Names      []string
	Initial    [][]float64
	Flux       [][]float64
	Sigma      [][]float64
	Labels     [][]float64
	Errors     [][]float64
	Covariance [][]float64
	LogChiSq   []float64
	LogSNRSq   []float64
	FracPhot   []float64

	RectifiedModelFlux [][]float64
	RectifiedFlux      [][]float64
	Continuum          [][]float64

	MissingLabels    []bool
	MissingModelFlux []bool
	Outcome          Outcome
}

func (t *Table) Len() int { return len(t.Names) }

type Reconciler struct {
	reader *solverio.Reader
	logger *zap.Logger
}

func New(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{reader: solverio.NewReader(logger), logger: logger}
}

// Reconcile reads the files of one bundle working directory.
func (r *Reconciler) Reconcile(dir string, resolved *control.Resolved) (*Table, error) {
	files := resolved.Files
	ndim := resolved.NDim

	names, initial, err := r.reader.ReadInputParameters(files.Path(dir, files.Parameters), ndim)
	if err != nil {
		return nil, fmt.Errorf("failed to read input parameters: %w", err)
	}
	index, err := indexNames(names)
	if err != nil {
		return nil, err
	}

	flux, err := r.reader.ReadMatrix(files.Path(dir, files.Flux))
	if err != nil {
		return nil, fmt.Errorf("failed to read input flux: %w", err)
	}
	sigma, err := r.reader.ReadMatrix(files.Path(dir, files.Sigma))
	if err != nil {
		return nil, fmt.Errorf("failed to read input sigma: %w", err)
	}
	if len(flux) != len(names) || len(sigma) != len(names) {
		return nil, fmt.Errorf("%w: %d names, %d flux rows, %d sigma rows",
			ErrInconsistentOutput, len(names), len(flux), len(sigma))
	}
	m := len(names)
	npix := 0
	if m > 0 {
		npix = len(flux[0])
	}

	t := &Table{
		Names:              names,
		Initial:            initial,
		Flux:               flux,
		Sigma:              sigma,
		Labels:             nanMatrix(m, ndim),
		Errors:             nanMatrix(m, ndim),
		LogChiSq:           nanVector(m),
		LogSNRSq:           nanVector(m),
		FracPhot:           nanVector(m),
		RectifiedModelFlux: nanMatrix(m, npix),
		MissingLabels:      make([]bool, m),
		MissingModelFlux:   make([]bool, m),
		Outcome:            OutcomeComplete,
	}
	if resolved.FullCovariance {
		t.Covariance = nanMatrix(m, ndim*ndim)
	}

	outputPath := files.Path(dir, files.Output)
	rows, err := r.reader.ReadOutputParameters(outputPath, ndim, resolved.FullCovariance)
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.logger.Warn("output parameter file is missing", zap.String("path", outputPath))
	case err != nil:
		return nil, fmt.Errorf("failed to read output parameters: %w", err)
	}

	outNames := make([]string, len(rows))
	for i, row := range rows {
		outNames[i] = row.Name
	}
	positions, err := scatterIndex(index, outNames, outputPath)
	if err != nil {
		return nil, err
	}

	seen := make([]bool, m)
	for i, row := range rows {
		p := positions[i]
		seen[p] = true
		t.Labels[p] = row.Labels
		t.Errors[p] = row.Errors
		t.LogChiSq[p] = row.LogChiSq
		t.LogSNRSq[p] = row.LogSNRSq
		t.FracPhot[p] = row.FracPhot
		if t.Covariance != nil {
			t.Covariance[p] = row.Covariance
		}
	}
	for p, ok := range seen {
		if !ok {
			t.MissingLabels[p] = true
			r.logger.Warn("missing parameters for spectrum",
				zap.String("name", names[p]), zap.Int("index", p), zap.Int("row", p+1))
		}
	}

	modelOK, err := r.readPixels(dir, files.ModelFlux, names, index, t.RectifiedModelFlux)
	if err != nil {
		return nil, err
	}

	var rectifiedOK []bool
	if files.RectifiedFlux == "" {
		t.RectifiedFlux = cloneMatrix(flux)
		t.Continuum = onesMatrix(m, npix)
		rectifiedOK = allTrue(m)
	} else {
		t.RectifiedFlux = nanMatrix(m, npix)
		if rectifiedOK, err = r.readPixels(dir, files.RectifiedFlux, names, index, t.RectifiedFlux); err != nil {
			return nil, err
		}
		t.Continuum = make([][]float64, m)
		for p := range t.Continuum {
			t.Continuum[p] = divide(flux[p], t.RectifiedFlux[p])
		}
	}

	for p := 0; p < m; p++ {
		t.MissingModelFlux[p] = !modelOK[p] || !rectifiedOK[p]
		if t.MissingLabels[p] || t.MissingModelFlux[p] || !isFinite(t.LogChiSq[p]) {
			t.clear(p)
		}
		if t.MissingLabels[p] || t.MissingModelFlux[p] {
			t.Outcome = OutcomeDegraded
		}
	}
	return t, nil
}

// readPixels scatters a named pixel file into dst and rewrites it in input order. The returned
// slice reports which rows were present and finite.
func (r *Reconciler) readPixels(dir, name string, names []string, index map[string]int, dst [][]float64) ([]bool, error) {
	ok := make([]bool, len(names))
	path := control.Files{}.Path(dir, name)

	outNames, rows, err := r.reader.ReadNamedPixels(path, rowWidth(dst))
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("pixel output file is missing", zap.String("path", path))
		return ok, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	positions, err := scatterIndex(index, outNames, path)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		p := positions[i]
		dst[p] = row
		ok[p] = allFinite(row)
	}

	missing := 0
	for p := range ok {
		if !ok[p] {
			missing++
		}
	}
	if missing > 0 {
		r.logger.Warn("pixel output is missing rows", zap.String("path", path), zap.Int("missing", missing))
	}

	if err := solverio.RewriteNamedPixels(path, names, dst); err != nil {
		r.logger.Warn("failed to rewrite pixel output in input order", zap.String("path", path), zap.Error(err))
	}
	return ok, nil
}

func (t *Table) clear(p int) {
	fillNaN(t.Labels[p])
	fillNaN(t.Errors[p])
	if t.Covariance != nil {
		fillNaN(t.Covariance[p])
	}
	t.LogChiSq[p] = math.NaN()
	t.LogSNRSq[p] = math.NaN()
	t.FracPhot[p] = math.NaN()
	t.RectifiedModelFlux[p] = nanVector(len(t.Flux[p]))
	t.Continuum[p] = nanVector(len(t.Flux[p]))
	t.RectifiedFlux[p] = nanVector(len(t.Flux[p]))
}

func indexNames(names []string) (map[string]int, error) {
	index := make(map[string]int, len(names))
	for i, name := range names {
		if j, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: input name %s on rows %d and %d", ErrInconsistentOutput, name, j+1, i+1)
		}
		index[name] = i
	}
	return index, nil
}

// scatterIndex maps every output row to its input position. Duplicated or unknown names mean the
// file is corrupt rather than partial.
func scatterIndex(index map[string]int, outNames []string, path string) ([]int, error) {
	positions := make([]int, len(outNames))
	used := make(map[int]bool, len(outNames))
	for i, name := range outNames {
		p, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s row %d names %s which was never submitted", ErrInconsistentOutput, path, i+1, name)
		}
		if used[p] {
			return nil, fmt.Errorf("%w: %s names %s more than once", ErrInconsistentOutput, path, name)
		}
		used[p] = true
		positions[i] = p
	}
	return positions, nil
}

func rowWidth(m [][]float64) int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

func nanVector(n int) []float64 {
	v := make([]float64, n)
	fillNaN(v)
	return v
}

func nanMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = nanVector(cols)
	}
	return m
}

func onesMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = 1
		}
	}
	return m
}

func cloneMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

func allTrue(n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = true
	}
	return b
}

func fillNaN(v []float64) {
	for i := range v {
		v[i] = math.NaN()
	}
}

func divide(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] / b[i]
	}
	return out
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
