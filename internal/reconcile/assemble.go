package reconcile

import (
	"fmt"

	"github.com/nadmax/ferreq/internal/bitmask"
	"github.com/nadmax/ferreq/internal/control"
	"github.com/nadmax/ferreq/internal/grid"
	"github.com/nadmax/ferreq/internal/naming"
	"github.com/nadmax/ferreq/internal/spectrum"
)

// SpectrumKey identifies one observed spectrum inside a bundle.
type SpectrumKey struct {
	Task     int
	Product  int
	Spectrum int
}

// Expansion is what is needed to put solver rows of one spectrum back on its observed pixels.
type Expansion struct {
	Mask      spectrum.Mask
	// Continuum removed before the solver ran, one row per visit; nil if none was removed.
	Continuum [][]float64
}

// Row is one reconciled visit on the observed pixel grid.
type Row struct {
	Name     string              `json:"name"`
	Decoded  naming.Name         `json:"decoded"`
	Initial  []float64           `json:"initial"`
	Labels   []float64           `json:"labels"`
	Errors   []float64           `json:"errors"`
	Flags    []bitmask.ParamFlag `json:"flags"`
	RowFlags bitmask.RowFlag     `json:"row_flags"`
	LogChiSq float64             `json:"log_chisq_fit"`
	LogSNRSq float64             `json:"log_snr_sq"`
	FracPhot float64             `json:"frac_phot"`

	Flux      []float64 `json:"flux"`
	Sigma     []float64 `json:"sigma"`
	ModelFlux []float64 `json:"model_flux"`
	Continuum []float64 `json:"continuum"`
}

// TaskResult groups the rows of one task in submission order.
type TaskResult struct {
	TaskIndex int    `json:"task_index"`
	Rows      []Row  `json:"rows"`
	Failed    bool   `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

type Assembly struct {
	Tasks  map[int]*TaskResult
	// Order lists task indices in the order their first row was submitted.
	Order  []int
	Failed []int
}

// Assemble flags every row, restores the pre-solver continuum, expands rows to the observed pixel
// grid and groups them by task. A task fails as a whole if any of its rows is unusable.
func Assemble(t *Table, g *grid.Grid, resolved *control.Resolved, expansions map[SpectrumKey]Expansion) (*Assembly, error) {
	flagger := bitmask.NewFlagger()
	ndim := resolved.NDim
	lower, upper, step := make([]float64, ndim), make([]float64, ndim), make([]float64, ndim)
	for i := 0; i < ndim; i++ {
		lower[i], upper[i], step[i] = g.Bounds(i)
	}
	fixed := make([]bitmask.ParamFlag, ndim)
	for _, i := range resolved.Frozen {
		fixed[i] = bitmask.ParamFixed
	}

	a := &Assembly{Tasks: make(map[int]*TaskResult)}

	for p, name := range t.Names {
		decoded, err := naming.Decode(name)
		if err != nil {
			return nil, err
		}
		key := SpectrumKey{Task: decoded.Task, Product: decoded.Product, Spectrum: decoded.Spectrum}
		exp, ok := expansions[key]
		if !ok {
			return nil, fmt.Errorf("%w: no observed spectrum for %s", ErrInconsistentOutput, name)
		}

		row := Row{
			Name:     name,
			Decoded:  decoded,
			Initial:  t.Initial[p],
			Labels:   t.Labels[p],
			Errors:   t.Errors[p],
			Flags:    flagger.FlagRow(fixed, t.Labels[p], t.Errors[p], lower, upper, step),
			LogChiSq: t.LogChiSq[p],
			LogSNRSq: t.LogSNRSq[p],
			FracPhot: t.FracPhot[p],
			Flux:     exp.Mask.Expand(t.Flux[p]),
			Sigma:    exp.Mask.Expand(t.Sigma[p]),
		}
		if bitmask.AnyFail(row.Flags) {
			row.RowFlags |= bitmask.FlagFerreFail
		}
		if t.MissingLabels[p] {
			row.RowFlags |= bitmask.FlagPotentialTimeout
		}
		if t.MissingModelFlux[p] {
			row.RowFlags |= bitmask.FlagMissingModelFlux
		}

		row.Continuum = exp.Mask.Expand(t.Continuum[p])
		if exp.Continuum != nil && decoded.Visit < len(exp.Continuum) {
			pre := exp.Continuum[decoded.Visit]
			for i := range row.Continuum {
				row.Continuum[i] *= pre[i]
			}
		}
		row.ModelFlux = exp.Mask.Expand(t.RectifiedModelFlux[p])
		for i := range row.ModelFlux {
			row.ModelFlux[i] *= row.Continuum[i]
		}

		tr, ok := a.Tasks[decoded.Task]
		if !ok {
			tr = &TaskResult{TaskIndex: decoded.Task}
			a.Tasks[decoded.Task] = tr
			a.Order = append(a.Order, decoded.Task)
		}
		tr.Rows = append(tr.Rows, row)
	}

	for _, i := range a.Order {
		tr := a.Tasks[i]
		if reason := failure(tr.Rows); reason != "" {
			tr.Failed = true
			tr.Reason = reason
			a.Failed = append(a.Failed, i)
		}
	}
	return a, nil
}

func failure(rows []Row) string {
	for _, r := range rows {
		switch {
		case !isFinite(r.LogChiSq):
			return fmt.Sprintf("no chi-square for %s", r.Name)
		case r.RowFlags&bitmask.FlagMissingModelFlux != 0:
			return fmt.Sprintf("no model flux for %s", r.Name)
		case bitmask.AllFail(r.Flags):
			return fmt.Sprintf("solver reported failure for every label of %s", r.Name)
		case !allFinite(r.Labels) || !allFinite(r.Errors):
			return fmt.Sprintf("non-finite labels for %s", r.Name)
		}
	}
	return ""
}

// Succeeded returns the task results that produced a data product.
func (a *Assembly) Succeeded() []*TaskResult {
	var out []*TaskResult
	for _, i := range a.Order {
		if tr := a.Tasks[i]; !tr.Failed {
			out = append(out, tr)
		}
	}
	return out
}
