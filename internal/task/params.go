package task

import "slices"

// SolverParams are shared by every task of a bundle: they end up in the single control file.
type SolverParams struct {
	HeaderPath                  string              `json:"header_path" yaml:"header_path"`
	Frozen                      map[string]*float64 `json:"frozen,omitempty" yaml:"frozen"`
	InterpolationOrder          int                 `json:"interpolation_order" yaml:"interpolation_order"`
	WeightPath                  string              `json:"weight_path,omitempty" yaml:"weight_path"`
	LSFShapePath                string              `json:"lsf_shape_path,omitempty" yaml:"lsf_shape_path"`
	LSFShapeFlag                int                 `json:"lsf_shape_flag" yaml:"lsf_shape_flag"`
	ErrorAlgorithmFlag          int                 `json:"error_algorithm_flag" yaml:"error_algorithm_flag"`
	WavelengthInterpolationFlag int                 `json:"wavelength_interpolation_flag" yaml:"wavelength_interpolation_flag"`
	OptimizationAlgorithmFlag   int                 `json:"optimization_algorithm_flag" yaml:"optimization_algorithm_flag"`
	ContinuumFlag               int                 `json:"continuum_flag" yaml:"continuum_flag"`
	ContinuumOrder              int                 `json:"continuum_order" yaml:"continuum_order"`
	ContinuumReject             float64             `json:"continuum_reject" yaml:"continuum_reject"`
	ContinuumObservationsFlag   int                 `json:"continuum_observations_flag" yaml:"continuum_observations_flag"`
	FullCovariance              bool                `json:"full_covariance" yaml:"full_covariance"`
	PCAProject                  bool                `json:"pca_project" yaml:"pca_project"`
	PCAChi                      bool                `json:"pca_chi" yaml:"pca_chi"`
	FAccess                     *int                `json:"f_access,omitempty" yaml:"f_access"`
	FFormat                     int                 `json:"f_format" yaml:"f_format"`
	NThreads                    int                 `json:"n_threads" yaml:"n_threads"`
	Extra                       map[string]string   `json:"extra,omitempty" yaml:"extra"`

	// TimeoutPerSpectrum and TimeoutFloor are in seconds; zero selects the runner default.
	TimeoutPerSpectrum float64 `json:"timeout_per_spectrum,omitempty" yaml:"timeout_per_spectrum"`
	TimeoutFloor       float64 `json:"timeout_floor,omitempty" yaml:"timeout_floor"`
}

// PrepareParams control how each spectrum of a task is cleaned before it is written out.
// They may differ between tasks of the same bundle.
type PrepareParams struct {
	ContinuumMethod        string         `json:"continuum_method,omitempty" yaml:"continuum_method"`
	ContinuumOptions       map[string]any `json:"continuum_options,omitempty" yaml:"continuum_options"`
	BadPixelFlux           float64        `json:"bad_pixel_flux" yaml:"bad_pixel_flux"`
	BadPixelSigma          float64        `json:"bad_pixel_sigma" yaml:"bad_pixel_sigma"`
	SkylineSigmaMultiplier float64        `json:"skyline_sigma_multiplier" yaml:"skyline_sigma_multiplier"`
	MinSigma               float64        `json:"min_sigma" yaml:"min_sigma"`

	// SpikeThreshold disables spike suppression when zero.
	SpikeThreshold float64 `json:"spike_threshold" yaml:"spike_threshold"`
}

func DefaultSolverParams() SolverParams {
	return SolverParams{
		InterpolationOrder:        3,
		ErrorAlgorithmFlag:        1,
		OptimizationAlgorithmFlag: 3,
		ContinuumFlag:             1,
		ContinuumOrder:            4,
		ContinuumReject:           0.3,
		ContinuumObservationsFlag: 1,
		FFormat:                   1,
		NThreads:                  1,
	}
}

func DefaultPrepareParams() PrepareParams {
	return PrepareParams{
		BadPixelFlux:           1e-4,
		BadPixelSigma:          1e10,
		SkylineSigmaMultiplier: 100,
		MinSigma:               0.05,
		SpikeThreshold:         5,
	}
}

// FrozenNames returns the names of frozen labels, sorted.
func (p SolverParams) FrozenNames() []string {
	names := make([]string, 0, len(p.Frozen))
	for name := range p.Frozen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
