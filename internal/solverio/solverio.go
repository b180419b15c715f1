// Package solverio reads and writes the solver's whitespace-delimited flat files. Inputs are
// produced from a single ordered Record slice so that the parameter, flux and sigma files can
// never disagree on row order.
package solverio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nadmax/ferreq/internal/control"
	"go.uber.org/zap"
)

var ErrShape = errors.New("record shape mismatch")

// Record is one row submitted to the solver.
type Record struct {
	Name      string
	TaskIndex int
	Visit     int
	Flux      []float64
	Sigma     []float64
	Initial   []float64
}

// OutputRow is one parsed row of the output parameter file.
type OutputRow struct {
	Name       string
	Labels     []float64
	Errors     []float64
	FracPhot   float64
	LogSNRSq   float64
	LogChiSq   float64
	Covariance []float64
}

// WriteInputs writes the parameter, flux and sigma files into dir in record order.
func WriteInputs(dir string, files control.Files, records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: no records to write", ErrShape)
	}
	npix, ndim := len(records[0].Flux), len(records[0].Initial)
	for _, r := range records {
		if len(r.Flux) != npix || len(r.Sigma) != npix || len(r.Initial) != ndim {
			return fmt.Errorf("%w: %s has %d flux, %d sigma and %d labels, want %d, %d and %d",
				ErrShape, r.Name, len(r.Flux), len(r.Sigma), len(r.Initial), npix, npix, ndim)
		}
	}

	if err := writeLines(files.Path(dir, files.Parameters), records, func(w *bufio.Writer, r Record) {
		fmt.Fprintf(w, "%-40s", r.Name)
		for _, v := range r.Initial {
			fmt.Fprintf(w, " %12.4f", v)
		}
	}); err != nil {
		return err
	}
	if err := writeLines(files.Path(dir, files.Flux), records, func(w *bufio.Writer, r Record) {
		writeRow(w, r.Flux)
	}); err != nil {
		return err
	}
	return writeLines(files.Path(dir, files.Sigma), records, func(w *bufio.Writer, r Record) {
		writeRow(w, r.Sigma)
	})
}

func writeLines(path string, records []Record, line func(*bufio.Writer, Record)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, r := range records {
		line(w, r)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func writeRow(w *bufio.Writer, row []float64) {
	for i, v := range row {
		if i > 0 {
			w.WriteByte(' ')
		}
		w.WriteString(strconv.FormatFloat(v, 'e', 4, 64))
	}
}

// Reader parses solver files, logging rows it has to drop.
type Reader struct {
	logger *zap.Logger
}

func NewReader(logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{logger: logger}
}

// ReadInputParameters returns the names and initial labels of the parameter file in file order.
func (r *Reader) ReadInputParameters(path string, ndim int) ([]string, [][]float64, error) {
	var (
		names  []string
		labels [][]float64
	)
	err := scanFile(path, func(lineNo int, fields []string) error {
		if len(fields) < 1+ndim {
			return fmt.Errorf("%w: %s line %d has %d columns, want %d", ErrShape, path, lineNo, len(fields), 1+ndim)
		}
		values, err := parseFloats(fields[1 : 1+ndim])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
		names = append(names, fields[0])
		labels = append(labels, values)
		return nil
	})
	return names, labels, err
}

// ReadOutputParameters parses name, labels, errors, photometric fraction, log S/N², log chi-square
// and, when covariance is set, the ndim×ndim covariance matrix. Truncated or unparsable rows are
// dropped and logged; the caller treats their names as missing.
func (r *Reader) ReadOutputParameters(path string, ndim int, covariance bool) ([]OutputRow, error) {
	want := 1 + 2*ndim + 3
	if covariance {
		want += ndim * ndim
	}

	var rows []OutputRow
	err := scanFile(path, func(lineNo int, fields []string) error {
		if len(fields) < want {
			r.logger.Warn("dropping truncated output row",
				zap.String("path", path), zap.Int("row", lineNo), zap.Int("columns", len(fields)), zap.Int("expected", want))
			return nil
		}
		values, err := parseFloats(fields[1:want])
		if err != nil {
			r.logger.Warn("dropping unparsable output row",
				zap.String("path", path), zap.Int("row", lineNo), zap.Error(err))
			return nil
		}

		row := OutputRow{
			Name:     fields[0],
			Labels:   values[:ndim],
			Errors:   values[ndim : 2*ndim],
			FracPhot: values[2*ndim],
			LogSNRSq: values[2*ndim+1],
			LogChiSq: values[2*ndim+2],
		}
		if covariance {
			row.Covariance = values[2*ndim+3:]
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// ReadNamedPixels reads files whose first column is a name followed by npix values.
func (r *Reader) ReadNamedPixels(path string, npix int) ([]string, [][]float64, error) {
	var (
		names []string
		rows  [][]float64
	)
	err := scanFile(path, func(lineNo int, fields []string) error {
		if len(fields) != 1+npix {
			r.logger.Warn("dropping pixel row of unexpected width",
				zap.String("path", path), zap.Int("row", lineNo), zap.Int("columns", len(fields)), zap.Int("expected", 1+npix))
			return nil
		}
		values, err := parseFloats(fields[1:])
		if err != nil {
			r.logger.Warn("dropping unparsable pixel row",
				zap.String("path", path), zap.Int("row", lineNo), zap.Error(err))
			return nil
		}
		names = append(names, fields[0])
		rows = append(rows, values)
		return nil
	})
	return names, rows, err
}

// ReadMatrix reads an unnamed numeric matrix such as the flux and sigma inputs.
func (r *Reader) ReadMatrix(path string) ([][]float64, error) {
	var rows [][]float64
	err := scanFile(path, func(lineNo int, fields []string) error {
		values, err := parseFloats(fields)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
		rows = append(rows, values)
		return nil
	})
	return rows, err
}

// RewriteNamedPixels replaces path with rows written in the given order, names first. The file
// the solver wrote is kept alongside as <path>.original.
func RewriteNamedPixels(path string, names []string, rows [][]float64) error {
	if len(names) != len(rows) {
		return fmt.Errorf("%w: %d names for %d rows", ErrShape, len(names), len(rows))
	}
	if err := os.Rename(path, path+".original"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to keep original %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for i, name := range names {
		w.WriteString(name)
		for _, v := range rows[i] {
			w.WriteByte(' ')
			w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// CountRows counts non-empty lines, which is the number of spectra in an input file.
func CountRows(path string) (int, error) {
	n := 0
	err := scanFile(path, func(int, []string) error {
		n++
		return nil
	})
	return n, err
}

func scanFile(path string, fn func(lineNo int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return scan(f, fn)
}

func scan(r io.Reader, fn func(lineNo int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := fn(lineNo, fields); err != nil {
			return err
		}
	}
	return scanner.Err()
}

var fortranExponent = strings.NewReplacer("D", "E", "d", "e")

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(fortranExponent.Replace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
