// Package naming encodes the position of a spectrum inside a bundle into the single token
// that the solver carries as the first column of every row it reads or writes.
package naming

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const (
	delimiter     = "_"
	numericFields = 5
	// NoObject is used by callers that have no catalogue identifier for a spectrum.
	NoObject = "NOOBJ"
)

var ErrInvalidName = errors.New("invalid spectrum name")

// Name identifies one row submitted to the solver.
type Name struct {
	Task     int     `json:"task"`
	Product  int     `json:"product"`
	Spectrum int     `json:"spectrum"`
	Visit    int     `json:"visit"`
	SNR      float64 `json:"snr"`
	ObjectID string  `json:"object_id"`
}

// Encode renders n as {task}_{product}_{spectrum}_{visit}_{snr:.1f}_{object}.
// The object id is the unconstrained remainder and may itself contain the delimiter.
func Encode(n Name) (string, error) {
	if n.Task < 0 || n.Product < 0 || n.Spectrum < 0 || n.Visit < 0 {
		return "", fmt.Errorf("%w: negative slot in %+v", ErrInvalidName, n)
	}
	if n.ObjectID == "" {
		return "", fmt.Errorf("%w: empty object id", ErrInvalidName)
	}
	if strings.IndexFunc(n.ObjectID, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: object id %q contains whitespace", ErrInvalidName, n.ObjectID)
	}

	return fmt.Sprintf("%d_%d_%d_%d_%s_%s",
		n.Task, n.Product, n.Spectrum, n.Visit, formatSNR(n.SNR), n.ObjectID), nil
}

// MustEncode is Encode for names built from trusted slot counters.
func MustEncode(n Name) string {
	token, err := Encode(n)
	if err != nil {
		panic(err)
	}
	return token
}

// Decode parses a token written by Encode. Slot and SNR fields must be in the exact form Encode
// writes them. An unknown SNR travels as NaN, so a decoded name then differs from its source
// under == even though every field round-trips.
func Decode(token string) (Name, error) {
	parts := strings.SplitN(token, delimiter, numericFields+1)
	if len(parts) != numericFields+1 || parts[numericFields] == "" {
		return Name{}, fmt.Errorf("%w: %q", ErrInvalidName, token)
	}

	slots := make([]int, 4)
	for i := range slots {
		v, err := strconv.Atoi(parts[i])
		if err != nil || v < 0 || strconv.Itoa(v) != parts[i] {
			return Name{}, fmt.Errorf("%w: slot %d of %q", ErrInvalidName, i, token)
		}
		slots[i] = v
	}

	snr, err := strconv.ParseFloat(parts[4], 64)
	if err != nil || formatSNR(snr) != parts[4] {
		return Name{}, fmt.Errorf("%w: snr field of %q", ErrInvalidName, token)
	}

	return Name{
		Task:     slots[0],
		Product:  slots[1],
		Spectrum: slots[2],
		Visit:    slots[3],
		SNR:      snr,
		ObjectID: parts[numericFields],
	}, nil
}

// RoundSNR returns the value the name token will carry for snr.
func RoundSNR(snr float64) float64 {
	if math.IsNaN(snr) || math.IsInf(snr, 0) {
		return snr
	}
	v, _ := strconv.ParseFloat(formatSNR(snr), 64)
	return v
}

func formatSNR(snr float64) string {
	return strconv.FormatFloat(snr, 'f', 1, 64)
}
