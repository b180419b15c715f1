// Package selector picks, for every physical input evaluated against several model grids, the
// result with the lowest penalized log chi-square.
package selector

import (
	"cmp"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/nadmax/ferreq/internal/bitmask"
	"github.com/nadmax/ferreq/internal/grid"
	"github.com/nadmax/ferreq/internal/product"
	"gopkg.in/yaml.v3"
)

var ErrNoCandidates = errors.New("no candidates to select from")

//go:embed penalties.yaml
var defaultPenalties []byte

// EdgePenalty applies when the named label carries any of Flags.
type EdgePenalty struct {
	Label  string   `yaml:"label"`
	Flags  []string `yaml:"flags"`
	Factor float64  `yaml:"factor"`
}

func (e EdgePenalty) mask() bitmask.ParamFlag {
	var mask bitmask.ParamFlag
	for _, name := range e.Flags {
		if f, err := bitmask.ParseParamFlag(name); err == nil {
			mask |= f
		}
	}
	return mask
}

// RangePenalty applies to grids of SpectralType whose fitted Label falls below Below or above
// Above. An empty SpectralType matches every grid.
type RangePenalty struct {
	SpectralType string   `yaml:"spectral_type"`
	Label        string   `yaml:"label"`
	Below        *float64 `yaml:"below"`
	Above        *float64 `yaml:"above"`
	Factor       float64  `yaml:"factor"`
}

type PenaltyTable struct {
	Edges  []EdgePenalty  `yaml:"edges"`
	Ranges []RangePenalty `yaml:"ranges"`
}

// DefaultPenaltyTable returns the built-in penalties.
func DefaultPenaltyTable() *PenaltyTable {
	t, err := ParsePenaltyTable(defaultPenalties)
	if err != nil {
		panic(fmt.Sprintf("selector: built-in penalty table: %v", err))
	}
	return t
}

func LoadPenaltyTable(path string) (*PenaltyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read penalty table: %w", err)
	}
	return ParsePenaltyTable(data)
}

func ParsePenaltyTable(data []byte) (*PenaltyTable, error) {
	var t PenaltyTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse penalty table: %w", err)
	}

	for i := range t.Edges {
		e := &t.Edges[i]
		if e.Label == "" || e.Factor <= 0 || len(e.Flags) == 0 {
			return nil, fmt.Errorf("edge penalty %d needs a label, flags and a positive factor", i)
		}
		e.Label = grid.SanitiseLabel(e.Label)
		for _, name := range e.Flags {
			if _, err := bitmask.ParseParamFlag(name); err != nil {
				return nil, fmt.Errorf("edge penalty %d: %w", i, err)
			}
		}
	}
	for i := range t.Ranges {
		r := &t.Ranges[i]
		if r.Label == "" || r.Factor <= 0 || (r.Below == nil && r.Above == nil) {
			return nil, fmt.Errorf("range penalty %d needs a label, a bound and a positive factor", i)
		}
		r.Label = grid.SanitiseLabel(r.Label)
	}
	return &t, nil
}

// Candidate is one completed result for a physical input: a single spectrum visit of an
// input data product fitted against one grid.
type Candidate struct {
	TaskID       string                       `json:"task_id" yaml:"task_id"`
	Key          string                       `json:"key" yaml:"key"`
	ObjectID     string                       `json:"object_id,omitempty" yaml:"object_id,omitempty"`
	DataProduct  string                       `json:"data_product,omitempty" yaml:"data_product,omitempty"`
	Spectrum     int                          `json:"spectrum" yaml:"spectrum"`
	Visit        int                          `json:"visit" yaml:"visit"`
	HeaderPath   string                       `json:"header_path" yaml:"header_path"`
	SpectralType string                       `json:"spectral_type,omitempty" yaml:"spectral_type"`
	LogChiSq     float64                      `json:"log_chisq_fit" yaml:"log_chisq_fit"`
	Labels       map[string]float64           `json:"labels" yaml:"labels"`
	Flags        map[string]bitmask.ParamFlag `json:"flags" yaml:"flags"`
	CreatedAt    time.Time                    `json:"created_at" yaml:"created_at"`
}

func (c Candidate) spectralType() string {
	if c.SpectralType != "" {
		return c.SpectralType
	}
	d, _ := grid.ParseHeaderPath(c.HeaderPath)
	return d.SpectralType
}

// InputKey identifies a spectrum visit of an input across grid runs. Products written without
// their input paths fall back to the object id.
func InputKey(dataProduct, objectID string, spectrum, visit int) string {
	source := dataProduct
	if source == "" {
		source = objectID
	}
	return fmt.Sprintf("%s:%d:%d", source, spectrum, visit)
}

// FromProduct returns one candidate per row of a data product.
func FromProduct(p *product.Product) ([]Candidate, error) {
	if len(p.Rows) == 0 {
		return nil, fmt.Errorf("product of task %s has no rows", p.TaskID)
	}

	candidates := make([]Candidate, 0, len(p.Rows))
	for _, r := range p.Rows {
		var path string
		if r.Product >= 0 && r.Product < len(p.DataProducts) {
			path = p.DataProducts[r.Product]
		}
		c := Candidate{
			TaskID:      p.TaskID,
			Key:         InputKey(path, r.ObjectID, r.Spectrum, r.Visit),
			ObjectID:    r.ObjectID,
			DataProduct: path,
			Spectrum:    r.Spectrum,
			Visit:       r.Visit,
			HeaderPath:  p.HeaderPath,
			LogChiSq:    float64(r.LogChiSq),
			Labels:      make(map[string]float64, len(p.LabelNames)),
			Flags:       make(map[string]bitmask.ParamFlag, len(p.LabelNames)),
			CreatedAt:   p.GeneratedAt,
		}
		for i, name := range p.LabelNames {
			if i < len(r.Labels) {
				c.Labels[name] = r.Labels[i]
			}
			if i < len(r.Flags) {
				c.Flags[name] = r.Flags[i]
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Ranked is a candidate with its penalized log chi-square.
type Ranked struct {
	Candidate `yaml:",inline"`

	Penalized float64 `json:"penalized_log_chisq_fit" yaml:"penalized_log_chisq_fit"`
}

type Selection struct {
	Key     string   `json:"key" yaml:"key"`
	Winner  Ranked   `json:"winner" yaml:"winner"`
	Ranking []Ranked `json:"ranking" yaml:"ranking"`
}

// Penalize returns the log chi-square of c plus every penalty that applies to it.
func (t *PenaltyTable) Penalize(c Candidate) float64 {
	v := c.LogChiSq
	for _, e := range t.Edges {
		if c.Flags[grid.SanitiseLabel(e.Label)]&e.mask() != 0 {
			v += math.Log10(e.Factor)
		}
	}

	spectralType := c.spectralType()
	for _, r := range t.Ranges {
		if r.SpectralType != "" && r.SpectralType != spectralType {
			continue
		}
		value, ok := c.Labels[grid.SanitiseLabel(r.Label)]
		if !ok {
			continue
		}
		if (r.Below != nil && value < *r.Below) || (r.Above != nil && value > *r.Above) {
			v += math.Log10(r.Factor)
		}
	}
	return v
}

// Rank orders candidates from best to worst: lowest penalized value, then most recently
// created, then task id descending. NaN values rank last.
func (t *PenaltyTable) Rank(candidates []Candidate) []Ranked {
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, Penalized: t.Penalize(c)}
	}
	slices.SortStableFunc(ranked, compareRanked)
	return ranked
}

func compareRanked(a, b Ranked) int {
	aNaN, bNaN := math.IsNaN(a.Penalized), math.IsNaN(b.Penalized)
	switch {
	case aNaN && !bNaN:
		return 1
	case !aNaN && bNaN:
		return -1
	case !aNaN && !bNaN:
		if c := cmp.Compare(a.Penalized, b.Penalized); c != 0 {
			return c
		}
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.TaskID, a.TaskID)
}

// Select returns the best of candidates and the full ranking.
func (t *PenaltyTable) Select(candidates []Candidate) (Ranked, []Ranked, error) {
	if len(candidates) == 0 {
		return Ranked{}, nil, ErrNoCandidates
	}
	ranked := t.Rank(candidates)
	return ranked[0], ranked, nil
}

// SelectAll groups candidates by input key and selects within each group. Selections are
// sorted by key.
func (t *PenaltyTable) SelectAll(candidates []Candidate) []Selection {
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		groups[c.Key] = append(groups[c.Key], c)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	selections := make([]Selection, 0, len(keys))
	for _, k := range keys {
		winner, ranking, _ := t.Select(groups[k])
		selections = append(selections, Selection{Key: k, Winner: winner, Ranking: ranking})
	}
	return selections
}
