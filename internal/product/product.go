// Package product writes the data products of succeeded tasks as JSON documents and a CSV
// summary for every reconciled bundle.
package product

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/nadmax/ferreq/internal/bitmask"
	"github.com/nadmax/ferreq/internal/reconcile"
)

// Value is a float that encodes NaN and infinities as JSON null.
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*v = Value(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// Values is a float array whose non-finite entries encode as JSON null.
type Values []float64

func (vs Values) MarshalJSON() ([]byte, error) {
	if vs == nil {
		return []byte("null"), nil
	}
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Value(v)
	}
	return json.Marshal(out)
}

func (vs *Values) UnmarshalJSON(data []byte) error {
	var in []Value
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in == nil {
		*vs = nil
		return nil
	}
	out := make(Values, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	*vs = out
	return nil
}

type Row struct {
	Name      string              `json:"name"`
	ObjectID  string              `json:"object_id"`
	Product   int                 `json:"product"`
	Spectrum  int                 `json:"spectrum"`
	Visit     int                 `json:"visit"`
	SNR       Value               `json:"snr"`
	Initial   Values              `json:"initial"`
	Labels    Values              `json:"labels"`
	Errors    Values              `json:"errors"`
	Flags     []bitmask.ParamFlag `json:"flags"`
	FlagNames []string            `json:"flag_names"`
	RowFlags  bitmask.RowFlag     `json:"row_flags"`
	LogChiSq  Value               `json:"log_chisq_fit"`
	LogSNRSq  Value               `json:"log_snr_sq"`
	FracPhot  Value               `json:"frac_phot"`
	Flux      Values              `json:"flux"`
	Sigma     Values              `json:"sigma"`
	ModelFlux Values              `json:"model_flux"`
	Continuum Values              `json:"continuum"`
}

// Product is the scientific output of one succeeded task.
type Product struct {
	TaskID        string    `json:"task_id"`
	BundleID      string    `json:"bundle_id"`
	HeaderPath    string    `json:"header_path"`
	GridName      string    `json:"grid_name"`
	LabelNames    []string  `json:"label_names"`
	DataProducts  []string  `json:"data_products,omitempty"` // indexed by Row.Product
	Rows          []Row     `json:"rows"`
	SolverSeconds float64   `json:"solver_seconds"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// FromResult converts the reconciled rows of one task.
func FromResult(taskID, bundleID, headerPath, gridName string, labels []string, tr *reconcile.TaskResult) *Product {
	p := &Product{
		TaskID:      taskID,
		BundleID:    bundleID,
		HeaderPath:  headerPath,
		GridName:    gridName,
		LabelNames:  labels,
		GeneratedAt: time.Now(),
	}
	for _, r := range tr.Rows {
		names := make([]string, len(r.Flags))
		for i, f := range r.Flags {
			names[i] = f.String()
		}
		p.Rows = append(p.Rows, Row{
			Name:      r.Name,
			ObjectID:  r.Decoded.ObjectID,
			Product:   r.Decoded.Product,
			Spectrum:  r.Decoded.Spectrum,
			Visit:     r.Decoded.Visit,
			SNR:       Value(r.Decoded.SNR),
			Initial:   r.Initial,
			Labels:    r.Labels,
			Errors:    r.Errors,
			Flags:     r.Flags,
			FlagNames: names,
			RowFlags:  r.RowFlags,
			LogChiSq:  Value(r.LogChiSq),
			LogSNRSq:  Value(r.LogSNRSq),
			FracPhot:  Value(r.FracPhot),
			Flux:      r.Flux,
			Sigma:     r.Sigma,
			ModelFlux: r.ModelFlux,
			Continuum: r.Continuum,
		})
	}
	return p
}

// LogChiSq is the mean log chi-square over the rows of p.
func (p *Product) LogChiSq() float64 {
	if len(p.Rows) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, r := range p.Rows {
		sum += float64(r.LogChiSq)
	}
	return sum / float64(len(p.Rows))
}

// Flags ORs the label flags of every row.
func (p *Product) Flags() []bitmask.ParamFlag {
	var flags []bitmask.ParamFlag
	for _, r := range p.Rows {
		flags = bitmask.Merge(flags, r.Flags)
	}
	return flags
}

func Read(path string) (*Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &p, nil
}

// Writer lays products out under dir, sharded by bundle id like the working directories.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) bundleDir(bundleID string) (string, error) {
	if len(bundleID) < 2 {
		return "", errors.New("bundle id is too short")
	}
	dir := filepath.Join(w.dir, "products", bundleID[:2], bundleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Write stores p as <dir>/products/<bundle[:2]>/<bundle>/<task>.json and returns the path.
func (w *Writer) Write(p *Product) (string, error) {
	dir, err := w.bundleDir(p.BundleID)
	if err != nil {
		return "", fmt.Errorf("failed to create product directory: %w", err)
	}

	path := filepath.Join(dir, p.TaskID+".json")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(p); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to encode product: %w", err)
	}
	return path, file.Close()
}
