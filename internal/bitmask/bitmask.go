// Package bitmask holds the two quality-flag spaces used by the pipeline: per-pixel flags
// attached to input spectra and per-label flags attached to solver results.
package bitmask

import (
	"fmt"
	"math"
	"strings"
)

type (
	PixelFlag uint32
	ParamFlag uint32
	RowFlag   uint32
)

const (
	PixelBad PixelFlag = 1 << iota
	PixelCosmicRay
	PixelSaturated
	PixelUnfixable
	PixelBadDark
	PixelBadFlat
	PixelBadError
	PixelNoSky
	PixelLittrowGhost
	PixelPersistHigh
	PixelPersistMedium
	PixelPersistLow
	PixelSkyline
	PixelTelluric
	PixelNotEnoughPSF
)

// PixelBadLevel is the set of pixel flags that zero-weight a pixel.
const PixelBadLevel = PixelBad | PixelCosmicRay | PixelSaturated | PixelUnfixable |
	PixelBadDark | PixelBadFlat | PixelBadError | PixelNoSky | PixelNotEnoughPSF

const (
	GridEdgeBad      ParamFlag = 1 << 0
	CalRangeBad      ParamFlag = 1 << 1
	OtherBad         ParamFlag = 1 << 2
	FerreFail        ParamFlag = 1 << 3
	ParamMismatchBad ParamFlag = 1 << 4

	GridEdgeWarn ParamFlag = 1 << 8
	CalRangeWarn ParamFlag = 1 << 9
	OtherWarn    ParamFlag = 1 << 10

	ParamFixed ParamFlag = 1 << 16
)

const (
	FlagFerreFail RowFlag = 1 << iota
	FlagPotentialTimeout
	FlagMissingModelFlux
)

var paramNames = []struct {
	flag ParamFlag
	name string
}{
	{GridEdgeBad, "GRIDEDGE_BAD"},
	{CalRangeBad, "CALRANGE_BAD"},
	{OtherBad, "OTHER_BAD"},
	{FerreFail, "FERRE_FAIL"},
	{ParamMismatchBad, "PARAM_MISMATCH_BAD"},
	{GridEdgeWarn, "GRIDEDGE_WARN"},
	{CalRangeWarn, "CALRANGE_WARN"},
	{OtherWarn, "OTHER_WARN"},
	{ParamFixed, "PARAM_FIXED"},
}

var rowNames = []struct {
	flag RowFlag
	name string
}{
	{FlagFerreFail, "FERRE_FAIL"},
	{FlagPotentialTimeout, "POTENTIAL_TIMEOUT"},
	{FlagMissingModelFlux, "MISSING_MODEL_FLUX"},
}

func (p PixelFlag) Has(f PixelFlag) bool { return p&f != 0 }

// IsBad reports whether any bad-level flag is set.
func (p PixelFlag) IsBad() bool { return p&PixelBadLevel != 0 }

func (p ParamFlag) Has(f ParamFlag) bool { return p&f != 0 }

func (p ParamFlag) String() string {
	var names []string
	for _, n := range paramNames {
		if p&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseParamFlag returns the flag with the given name, as printed by ParamFlag.String.
func ParseParamFlag(name string) (ParamFlag, error) {
	for _, n := range paramNames {
		if strings.EqualFold(n.name, name) {
			return n.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown label flag %q", name)
}

func (r RowFlag) Has(f RowFlag) bool { return r&f != 0 }

func (r RowFlag) String() string {
	var names []string
	for _, n := range rowNames {
		if r&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// SentinelValues are the label values the solver writes when it gives up on a spectrum.
var SentinelValues = []float64{-999, -9999}

// Flagger derives label flags from a fitted value, its uncertainty and the grid bounds.
// The zero value is ready to use.
type Flagger struct {
	// ErrorFloor is the most negative uncertainty still considered plausible.
	ErrorFloor float64
}

func NewFlagger() Flagger {
	return Flagger{ErrorFloor: -0.01}
}

// FlagLabel ORs edge and failure flags for one label into current. Bits are only ever added.
func (f Flagger) FlagLabel(current ParamFlag, value, uncertainty, lower, upper, step float64) ParamFlag {
	flags := current

	if !isFinite(value) || isSentinel(value) || uncertainty < f.errorFloor() {
		flags |= FerreFail
	}
	if !isFinite(value) {
		return flags
	}

	if value < lower+step/8 || value > upper-step/8 {
		flags |= GridEdgeBad
	}
	if value < lower+step || value > upper-step {
		flags |= GridEdgeWarn
	}
	return flags
}

// FlagRow flags every label of one result row. lower, upper and step are indexed like values.
func (f Flagger) FlagRow(current []ParamFlag, values, uncertainties, lower, upper, step []float64) []ParamFlag {
	out := make([]ParamFlag, len(values))
	for i := range values {
		var c ParamFlag
		if i < len(current) {
			c = current[i]
		}
		out[i] = f.FlagLabel(c, values[i], uncertainties[i], lower[i], upper[i], step[i])
	}
	return out
}

func (f Flagger) errorFloor() float64 {
	if f.ErrorFloor == 0 {
		return -0.01
	}
	return f.ErrorFloor
}

// AnyFail reports whether any label of a row carries FerreFail.
func AnyFail(flags []ParamFlag) bool {
	for _, fl := range flags {
		if fl&FerreFail != 0 {
			return true
		}
	}
	return false
}

// AllFail reports whether every label of a row carries FerreFail.
func AllFail(flags []ParamFlag) bool {
	if len(flags) == 0 {
		return false
	}
	for _, fl := range flags {
		if fl&FerreFail == 0 {
			return false
		}
	}
	return true
}

// Merge ORs b into a element-wise; a grows if b is longer.
func Merge(a, b []ParamFlag) []ParamFlag {
	for len(a) < len(b) {
		a = append(a, 0)
	}
	for i := range b {
		a[i] |= b[i]
	}
	return a
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func isSentinel(v float64) bool {
	for _, s := range SentinelValues {
		if v == s {
			return true
		}
	}
	return false
}
