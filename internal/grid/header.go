// Package grid reads the header files that describe a pre-computed grid of model spectra:
// its label space (names, lower limits, steps, points per dimension) and the wavelength
// sampling of each spectral segment.
package grid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var ErrMalformedHeader = errors.New("malformed grid header")

// Header is one namelist block of a grid header file.
type Header struct {
	NDim        int        `json:"ndim"`
	NPoints     []int      `json:"n_points"`
	Labels      []string   `json:"labels"`
	LowerLimits []float64  `json:"lower_limits"`
	Steps       []float64  `json:"steps"`
	NPix        int        `json:"npix"`
	Wave        [2]float64 `json:"wave"`
	LogW        int        `json:"logw"`

	Raw map[string][]string `json:"-"`
}

// Grid is a parsed header file: the grid-level header followed by one header per segment.
type Grid struct {
	Path     string   `json:"path"`
	Header   Header   `json:"header"`
	Segments []Header `json:"segments"`
}

func Load(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open grid header: %w", err)
	}
	defer f.Close()

	g, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	g.Path = path
	return g, nil
}

func Parse(r io.Reader) (*Grid, error) {
	blocks, err := readBlocks(r)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no &SYNTH blocks", ErrMalformedHeader)
	}

	headers := make([]Header, 0, len(blocks))
	for i, raw := range blocks {
		h, err := newHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i+1, err)
		}
		headers = append(headers, h)
	}

	g := &Grid{Header: headers[0]}
	if len(headers) == 1 {
		g.Segments = []Header{headers[0]}
	} else {
		g.Segments = headers[1:]
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Grid) validate() error {
	h := g.Header
	if h.NDim <= 0 {
		return fmt.Errorf("%w: N_OF_DIM must be positive", ErrMalformedHeader)
	}
	if len(h.Labels) != h.NDim || len(h.LowerLimits) != h.NDim || len(h.Steps) != h.NDim || len(h.NPoints) != h.NDim {
		return fmt.Errorf("%w: LABEL/LLIMITS/STEPS/N_P must have %d entries", ErrMalformedHeader, h.NDim)
	}
	for i, seg := range g.Segments {
		if seg.NPix <= 0 {
			return fmt.Errorf("%w: segment %d has no NPIX", ErrMalformedHeader, i+1)
		}
	}
	return nil
}

// UpperLimits returns LLIMITS + STEPS*(N_P-1) per label.
func (h Header) UpperLimits() []float64 {
	upper := make([]float64, len(h.LowerLimits))
	for i := range h.LowerLimits {
		upper[i] = h.LowerLimits[i] + h.Steps[i]*float64(h.NPoints[i]-1)
	}
	return upper
}

// Wavelengths returns the model wavelength of every pixel of the segment.
func (h Header) Wavelengths() []float64 {
	w := make([]float64, h.NPix)
	for i := range w {
		x := h.Wave[0] + float64(i)*h.Wave[1]
		switch h.LogW {
		case 1:
			w[i] = math.Pow(10, x)
		case 2:
			w[i] = math.Exp(x)
		default:
			w[i] = x
		}
	}
	return w
}

// LabelNames returns the sanitised label names in header order.
func (g *Grid) LabelNames() []string {
	names := make([]string, len(g.Header.Labels))
	for i, l := range g.Header.Labels {
		names[i] = SanitiseLabel(l)
	}
	return names
}

// LabelIndex finds a label by its raw or sanitised name.
func (g *Grid) LabelIndex(name string) (int, bool) {
	want := SanitiseLabel(name)
	for i, l := range g.Header.Labels {
		if SanitiseLabel(l) == want {
			return i, true
		}
	}
	return -1, false
}

// Bounds returns the lower limit, upper limit and step of label i.
func (g *Grid) Bounds(i int) (lower, upper, step float64) {
	h := g.Header
	lower = h.LowerLimits[i]
	step = h.Steps[i]
	upper = lower + step*float64(h.NPoints[i]-1)
	return lower, upper, step
}

func (g *Grid) ModelWavelengths() [][]float64 {
	out := make([][]float64, len(g.Segments))
	for i, seg := range g.Segments {
		out[i] = seg.Wavelengths()
	}
	return out
}

// NPix is the total number of model pixels across all segments.
func (g *Grid) NPix() int {
	n := 0
	for _, seg := range g.Segments {
		n += seg.NPix
	}
	return n
}

func SanitiseLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), "_"))
}

func readBlocks(r io.Reader) ([]map[string][]string, error) {
	var (
		blocks  []map[string][]string
		current map[string][]string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "&"):
			current = make(map[string][]string)
		case line == "/":
			if current != nil {
				blocks = append(blocks, current)
			}
			current = nil
		case current == nil:
			continue
		default:
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("%w: line %q", ErrMalformedHeader, line)
			}
			key = strings.ToUpper(strings.TrimSpace(key))
			tokens := tokenize(value)

			// LABEL(3) = 'LOGG' style entries accumulate into LABEL.
			if base, idx, ok := indexedKey(key); ok {
				vals := current[base]
				for len(vals) < idx {
					vals = append(vals, "")
				}
				if len(tokens) > 0 {
					vals[idx-1] = tokens[0]
				}
				current[base] = vals
				continue
			}
			current[key] = tokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		blocks = append(blocks, current)
	}
	return blocks, nil
}

func indexedKey(key string) (string, int, bool) {
	open := strings.IndexByte(key, '(')
	if open <= 0 || !strings.HasSuffix(key, ")") {
		return "", 0, false
	}
	idx, err := strconv.Atoi(key[open+1 : len(key)-1])
	if err != nil || idx < 1 {
		return "", 0, false
	}
	return key[:open], idx, true
}

// tokenize splits a namelist value on whitespace and commas, keeping quoted strings whole.
func tokenize(value string) []string {
	var (
		tokens []string
		sb     strings.Builder
		quote  rune
	)
	flush := func() {
		if sb.Len() > 0 {
			tokens = append(tokens, sb.String())
			sb.Reset()
		}
	}

	for _, r := range value {
		switch {
		case quote != 0:
			if r == quote {
				tokens = append(tokens, sb.String())
				sb.Reset()
				quote = 0
				continue
			}
			sb.WriteRune(r)
		case r == '\'' || r == '"':
			flush()
			quote = r
		case r == ' ' || r == '\t' || r == ',':
			flush()
		default:
			sb.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func newHeader(raw map[string][]string) (Header, error) {
	h := Header{Raw: raw, LogW: 0}
	var err error

	if v, ok := raw["N_OF_DIM"]; ok {
		if h.NDim, err = parseInt(v, "N_OF_DIM"); err != nil {
			return h, err
		}
	}
	if v, ok := raw["NPIX"]; ok {
		if h.NPix, err = parseInt(v, "NPIX"); err != nil {
			return h, err
		}
	}
	if v, ok := raw["LOGW"]; ok {
		if h.LogW, err = parseInt(v, "LOGW"); err != nil {
			return h, err
		}
	}
	if v, ok := raw["N_P"]; ok {
		for _, tok := range v {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return h, fmt.Errorf("%w: N_P value %q", ErrMalformedHeader, tok)
			}
			h.NPoints = append(h.NPoints, n)
		}
	}
	if h.LowerLimits, err = parseFloats(raw["LLIMITS"], "LLIMITS"); err != nil {
		return h, err
	}
	if h.Steps, err = parseFloats(raw["STEPS"], "STEPS"); err != nil {
		return h, err
	}
	if v, ok := raw["WAVE"]; ok {
		wave, err := parseFloats(v, "WAVE")
		if err != nil {
			return h, err
		}
		if len(wave) != 2 {
			return h, fmt.Errorf("%w: WAVE needs start and step", ErrMalformedHeader)
		}
		h.Wave = [2]float64{wave[0], wave[1]}
	}
	h.Labels = raw["LABEL"]
	return h, nil
}

func parseInt(tokens []string, key string) (int, error) {
	if len(tokens) == 0 {
		return 0, fmt.Errorf("%w: %s is empty", ErrMalformedHeader, key)
	}
	n, err := strconv.Atoi(tokens[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q", ErrMalformedHeader, key, tokens[0])
	}
	return n, nil
}

func parseFloats(tokens []string, key string) ([]float64, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	out := make([]float64, len(tokens))
	for i, tok := range tokens {
		// Fortran writes double precision exponents with D.
		v, err := strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(tok), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value %q", ErrMalformedHeader, key, tok)
		}
		out[i] = v
	}
	return out, nil
}
