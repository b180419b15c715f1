// Package spectrum turns observed, possibly multi-visit spectra into the flux and sigma rows the
// solver reads: continuum rectification, skyline and bad-pixel handling, restriction to the
// model wavelength windows and spike suppression. It also resolves initial label vectors.
package spectrum

import (
	"errors"
	"fmt"
	"math"

	"github.com/nadmax/ferreq/internal/bitmask"
)

var ErrShape = errors.New("inconsistent spectrum shape")

// Spectrum is one observed spectrum with one row per visit on a shared wavelength axis.
type Spectrum struct {
	ObjectID   string                `json:"object_id"`
	Wavelength []float64             `json:"wavelength"`
	Flux       [][]float64           `json:"flux"`
	Sigma      [][]float64           `json:"sigma"`
	PixelFlags [][]bitmask.PixelFlag `json:"pixel_flags,omitempty"`
	SNR        []float64             `json:"snr,omitempty"`
}

func (s *Spectrum) NVisits() int { return len(s.Flux) }

func (s *Spectrum) NPix() int { return len(s.Wavelength) }

func (s *Spectrum) Validate() error {
	p := s.NPix()
	if p == 0 || s.NVisits() == 0 {
		return fmt.Errorf("%w: %s has no pixels", ErrShape, s.ObjectID)
	}
	if len(s.Sigma) != s.NVisits() {
		return fmt.Errorf("%w: %s has %d flux rows and %d sigma rows", ErrShape, s.ObjectID, s.NVisits(), len(s.Sigma))
	}
	if s.PixelFlags != nil && len(s.PixelFlags) != s.NVisits() {
		return fmt.Errorf("%w: %s has %d pixel flag rows", ErrShape, s.ObjectID, len(s.PixelFlags))
	}
	if s.SNR != nil && len(s.SNR) != s.NVisits() {
		return fmt.Errorf("%w: %s has %d snr values for %d visits", ErrShape, s.ObjectID, len(s.SNR), s.NVisits())
	}
	for v := range s.Flux {
		if len(s.Flux[v]) != p || len(s.Sigma[v]) != p {
			return fmt.Errorf("%w: %s visit %d is not %d pixels wide", ErrShape, s.ObjectID, v, p)
		}
		if s.PixelFlags != nil && len(s.PixelFlags[v]) != p {
			return fmt.Errorf("%w: %s visit %d flags are not %d pixels wide", ErrShape, s.ObjectID, v, p)
		}
	}
	for i := 1; i < p; i++ {
		if s.Wavelength[i] < s.Wavelength[i-1] {
			return fmt.Errorf("%w: %s wavelength is not sorted", ErrShape, s.ObjectID)
		}
	}
	return nil
}

// VisitSNR returns the signal-to-noise of visit v, or NaN when unknown.
func (s *Spectrum) VisitSNR(v int) float64 {
	if v < len(s.SNR) {
		return s.SNR[v]
	}
	return math.NaN()
}

func (s *Spectrum) Flags(v, i int) bitmask.PixelFlag {
	if s.PixelFlags == nil {
		return 0
	}
	return s.PixelFlags[v][i]
}

// Overlaps reports whether the observed wavelength range intersects any model segment.
func (s *Spectrum) Overlaps(model [][]float64) bool {
	if s.NPix() == 0 {
		return false
	}
	lo, hi := s.Wavelength[0], s.Wavelength[s.NPix()-1]
	for _, seg := range model {
		if len(seg) == 0 {
			continue
		}
		if seg[0] <= hi && seg[len(seg)-1] >= lo {
			return true
		}
	}
	return false
}

func cloneRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
