package spectrum

import (
	"fmt"

	"github.com/nadmax/ferreq/internal/bitmask"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Config is the per-task preparation setup with its continuum method already resolved.
type Config struct {
	task.PrepareParams
	Continuum ContinuumFitter
}

// Prepared holds the rows of one spectrum exactly as they are handed to the solver.
type Prepared struct {
	Flux      [][]float64
	Sigma     [][]float64
	Mask      Mask
	// Continuum is the rectification divided out before the solver ran, on the full pixel
	// grid. It is nil when no continuum method was configured.
	Continuum [][]float64
	Spikes    int
}

type Preparer struct {
	registry *ContinuumRegistry
	logger   *zap.Logger
}

func NewPreparer(registry *ContinuumRegistry, logger *zap.Logger) *Preparer {
	if registry == nil {
		registry = NewContinuumRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preparer{registry: registry, logger: logger}
}

// Configure resolves the continuum method of params once, before any spectrum is read.
func (p *Preparer) Configure(params task.PrepareParams) (Config, error) {
	fitter, err := p.registry.Resolve(params.ContinuumMethod, params.ContinuumOptions)
	if err != nil {
		return Config{}, err
	}
	return Config{PrepareParams: params, Continuum: fitter}, nil
}

// Prepare cleans every visit of s and restricts it to the model windows.
func (p *Preparer) Prepare(s *Spectrum, model [][]float64, cfg Config) (*Prepared, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	flux := cloneRows(s.Flux)
	sigma := cloneRows(s.Sigma)

	var continuum [][]float64
	if cfg.Continuum != nil {
		c, err := cfg.Continuum.Fit(s)
		if err != nil {
			return nil, fmt.Errorf("fit continuum of %s: %w", s.ObjectID, err)
		}
		if len(c) != s.NVisits() {
			return nil, fmt.Errorf("%w: continuum of %s has %d rows", ErrShape, s.ObjectID, len(c))
		}
		for v := range flux {
			for i := range flux[v] {
				flux[v][i] /= c[v][i]
				sigma[v][i] /= c[v][i]
			}
		}
		continuum = c
	}

	for v := range flux {
		for i := range flux[v] {
			flags := s.Flags(v, i)
			if flags.Has(bitmask.PixelSkyline) {
				sigma[v][i] *= cfg.SkylineSigmaMultiplier
			}

			f, e := flux[v][i], sigma[v][i]
			if !isFinite(f) || !isFinite(e) || f < 0 || e < 0 || flags.IsBad() {
				flux[v][i] = cfg.BadPixelFlux
				sigma[v][i] = cfg.BadPixelSigma
			}

			if sigma[v][i] < cfg.MinSigma {
				sigma[v][i] = cfg.MinSigma
			}
		}
	}

	mask := GridMask(s.Wavelength, model, p.logger.With(zap.String("object_id", s.ObjectID)))
	for v := range flux {
		flux[v] = mask.Apply(flux[v])
		sigma[v] = mask.Apply(sigma[v])
	}

	spikes := 0
	if cfg.SpikeThreshold > 0 {
		for v := range flux {
			spikes += suppressSpikes(flux[v], sigma[v], cfg.SpikeThreshold, cfg.BadPixelSigma)
		}
		if spikes > 0 {
			total := len(flux) * mask.Count()
			p.logger.Warn("inflating uncertainties of pixels identified as spikes",
				zap.String("object_id", s.ObjectID),
				zap.Int("pixels", spikes),
				zap.Float64("fraction", float64(spikes)/float64(total)),
			)
		}
	}

	return &Prepared{
		Flux:      flux,
		Sigma:     sigma,
		Mask:      mask,
		Continuum: continuum,
		Spikes:    spikes,
	}, nil
}

// suppressSpikes sets sigma to ignore for pixels more than threshold standard deviations above
// the row median. An un-modelled spike can keep the solver from converging.
func suppressSpikes(flux, sigma []float64, threshold, ignore float64) int {
	if len(flux) < 2 {
		return 0
	}
	med := median(flux)
	_, std := stat.PopMeanStdDev(flux, nil)
	if !isFinite(std) || std == 0 {
		return 0
	}

	n := 0
	for i, f := range flux {
		if (f-med)/std > threshold {
			sigma[i] = ignore
			n++
		}
	}
	return n
}
