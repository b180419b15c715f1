// Package control validates bundle-wide solver parameters against a grid header and renders
// them into the solver's namelist control file.
package control

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/google/go-cmp/cmp"
	"github.com/nadmax/ferreq/internal/grid"
	"github.com/nadmax/ferreq/internal/task"
)

var (
	ErrConfiguration        = errors.New("invalid solver configuration")
	ErrZeroDegreesOfFreedom = fmt.Errorf("%w: every label is frozen", ErrConfiguration)
	ErrUnknownLabel         = fmt.Errorf("%w: unknown label", ErrConfiguration)
	ErrInvalidValue         = fmt.Errorf("%w: invalid value", ErrConfiguration)
	ErrBundledMismatch      = fmt.Errorf("%w: bundled parameters differ", ErrConfiguration)
)

// File names inside a bundle working directory.
const (
	FileName            = "input.nml"
	InputParameterFile  = "parameter.input"
	FluxFile            = "flux.input"
	SigmaFile           = "e_flux.input"
	OutputParameterFile = "parameter.output"
	ModelFluxFile       = "rectified_model_flux.output"
	RectifiedFluxFile   = "rectified_flux.output"
)

type Files struct {
	Parameters    string
	Flux          string
	Sigma         string
	Output        string
	ModelFlux     string
	RectifiedFlux string
}

// Resolved is the validated control configuration plus the values later stages need to read
// the solver's output.
type Resolved struct {
	Keywords       *Keywords
	HeaderPath     string
	NDim           int
	Free           []int
	Frozen         []int
	NThreads       int
	FullCovariance bool
	Files          Files
}

// Path joins a control-file relative name onto dir.
func (f Files) Path(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func Build(g *grid.Grid, p task.SolverParams) (*Resolved, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	ndim := g.Header.NDim
	frozen := make(map[int]bool, len(p.Frozen))
	for _, name := range p.FrozenNames() {
		i, ok := g.LabelIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a label of %s", ErrUnknownLabel, name, g.Path)
		}
		frozen[i] = true
	}

	var free, fixed []int
	for i := 0; i < ndim; i++ {
		if frozen[i] {
			fixed = append(fixed, i)
		} else {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("%w: %d of %d labels frozen", ErrZeroDegreesOfFreedom, len(fixed), ndim)
	}

	kw := NewKeywords()
	kw.SetInt("NDIM", ndim)
	kw.SetInt("NOV", len(free))
	kw.Set("INDV", joinIndices(free))
	kw.SetString("SYNTHFILE(1)", p.HeaderPath)
	kw.SetString("PFILE", InputParameterFile)
	kw.SetString("FFILE", FluxFile)
	kw.SetString("ERFILE", SigmaFile)
	kw.SetString("OPFILE", OutputParameterFile)
	kw.SetString("OFFILE", ModelFluxFile)
	kw.SetString("SFFILE", RectifiedFluxFile)
	if p.WeightPath != "" {
		kw.SetString("FILTERFILE", p.WeightPath)
	}
	if p.LSFShapeFlag != 0 {
		kw.SetInt("LSF", p.LSFShapeFlag)
		kw.SetString("FILE_LSF", p.LSFShapePath)
	}
	kw.SetInt("ERRBAR", p.ErrorAlgorithmFlag)
	kw.SetBool("COVPRINT", p.FullCovariance)
	kw.SetBool("PCAPROJECT", p.PCAProject)
	kw.SetBool("PCACHI", p.PCAChi)
	kw.SetInt("INTER", p.InterpolationOrder)
	kw.SetInt("ALGOR", p.OptimizationAlgorithmFlag)
	kw.SetInt("WINTER", p.WavelengthInterpolationFlag)
	kw.SetInt("CONT", p.ContinuumFlag)
	if p.ContinuumFlag != 0 {
		kw.SetInt("NCONT", p.ContinuumOrder)
		kw.SetFloat("REJECTCONT", p.ContinuumReject)
		kw.SetInt("OBSCONT", p.ContinuumObservationsFlag)
	}
	kw.SetInt("NTHREADS", p.NThreads)
	kw.SetInt("F_FORMAT", p.FFormat)
	access := 0
	if p.FAccess != nil {
		access = *p.FAccess
	}
	kw.SetInt("F_ACCESS", access)

	extra := make([]string, 0, len(p.Extra))
	for key := range p.Extra {
		extra = append(extra, key)
	}
	slices.Sort(extra)
	for _, key := range extra {
		kw.Set(key, p.Extra[key])
	}

	return &Resolved{
		Keywords:       kw,
		HeaderPath:     p.HeaderPath,
		NDim:           ndim,
		Free:           free,
		Frozen:         fixed,
		NThreads:       p.NThreads,
		FullCovariance: p.FullCovariance,
		Files:          defaultFiles(),
	}, nil
}

// FromKeywords rebuilds the resolved view from a control file that was already written.
func FromKeywords(kw *Keywords) (*Resolved, error) {
	ndim, err := kw.Int("NDIM")
	if err != nil {
		return nil, err
	}
	indv, err := kw.Ints("INDV")
	if err != nil {
		return nil, err
	}
	threads, err := kw.IntOr("NTHREADS", 1)
	if err != nil {
		return nil, err
	}
	cov, err := kw.IntOr("COVPRINT", 0)
	if err != nil {
		return nil, err
	}

	isFree := make(map[int]bool, len(indv))
	var free, fixed []int
	for _, i := range indv {
		if i < 1 || i > ndim {
			return nil, fmt.Errorf("%w: INDV index %d outside 1..%d", ErrInvalidValue, i, ndim)
		}
		isFree[i-1] = true
		free = append(free, i-1)
	}
	for i := 0; i < ndim; i++ {
		if !isFree[i] {
			fixed = append(fixed, i)
		}
	}

	files := defaultFiles()
	for key, dst := range map[string]*string{
		"PFILE":  &files.Parameters,
		"FFILE":  &files.Flux,
		"ERFILE": &files.Sigma,
		"OPFILE": &files.Output,
		"OFFILE": &files.ModelFlux,
	} {
		if v, ok := kw.Get(key); ok {
			*dst = v
		}
	}
	if v, ok := kw.Get("SFFILE"); ok {
		files.RectifiedFlux = v
	} else {
		files.RectifiedFlux = ""
	}
	header, _ := kw.Get("SYNTHFILE(1)")

	return &Resolved{
		Keywords:       kw,
		HeaderPath:     header,
		NDim:           ndim,
		Free:           free,
		Frozen:         fixed,
		NThreads:       threads,
		FullCovariance: cov != 0,
		Files:          files,
	}, nil
}

// CheckBundled requires every task to agree on the parameters that go into the shared control file.
func CheckBundled(tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	first := tasks[0]
	for _, t := range tasks[1:] {
		if diff := cmp.Diff(first.Solver, t.Solver); diff != "" {
			return fmt.Errorf("%w: task %s vs %s (-first +other):\n%s", ErrBundledMismatch, first.ID, t.ID, diff)
		}
	}
	return nil
}

func validate(p task.SolverParams) error {
	switch {
	case p.HeaderPath == "":
		return fmt.Errorf("%w: header_path is required", ErrInvalidValue)
	case p.NThreads < 1:
		return fmt.Errorf("%w: n_threads must be at least 1, got %d", ErrInvalidValue, p.NThreads)
	case p.InterpolationOrder < 0 || p.InterpolationOrder > 4:
		return fmt.Errorf("%w: interpolation_order must be 0-4, got %d", ErrInvalidValue, p.InterpolationOrder)
	case p.FFormat != 0 && p.FFormat != 1:
		return fmt.Errorf("%w: f_format must be 0 or 1, got %d", ErrInvalidValue, p.FFormat)
	case p.FAccess != nil && *p.FAccess != 0 && *p.FAccess != 1:
		return fmt.Errorf("%w: f_access must be 0 or 1, got %d", ErrInvalidValue, *p.FAccess)
	case p.ContinuumFlag < 0:
		return fmt.Errorf("%w: continuum_flag must not be negative", ErrInvalidValue)
	case p.ContinuumFlag != 0 && p.ContinuumOrder < 0:
		return fmt.Errorf("%w: continuum_order must not be negative", ErrInvalidValue)
	case p.ContinuumReject < 0:
		return fmt.Errorf("%w: continuum_reject must not be negative", ErrInvalidValue)
	case p.LSFShapeFlag != 0 && p.LSFShapePath == "":
		return fmt.Errorf("%w: lsf_shape_path is required when lsf_shape_flag is set", ErrInvalidValue)
	}
	return nil
}

func defaultFiles() Files {
	return Files{
		Parameters:    InputParameterFile,
		Flux:          FluxFile,
		Sigma:         SigmaFile,
		Output:        OutputParameterFile,
		ModelFlux:     ModelFluxFile,
		RectifiedFlux: RectifiedFluxFile,
	}
}

func joinIndices(indices []int) string {
	s := ""
	for i, idx := range indices {
		if i > 0 {
			s += " "
		}
		s += strconv.Itoa(idx + 1)
	}
	return s
}
