package product

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nadmax/ferreq/internal/task"
)

// SummaryFile is written next to the task products of every reconciled bundle.
const SummaryFile = "summary.csv"

// Combined ORs every label flag of every row into one mask.
func (p *Product) Combined() int64 {
	var mask int64
	for _, f := range p.Flags() {
		mask |= int64(f)
	}
	return mask
}

// WriteSummary writes one CSV line per row of every product plus one line per failed task.
// Label columns follow labels; products of another grid leave them empty.
func (w *Writer) WriteSummary(bundleID string, labels []string, products []*Product, failed []*task.Task) (string, error) {
	dir, err := w.bundleDir(bundleID)
	if err != nil {
		return "", fmt.Errorf("failed to create product directory: %w", err)
	}

	path := filepath.Join(dir, SummaryFile)
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}

	writer := csv.NewWriter(file)

	header := []string{"task_id", "status", "object_id", "visit", "snr", "grid", "log_chisq_fit"}
	for _, l := range labels {
		header = append(header, l)
	}
	for _, l := range labels {
		header = append(header, "e_"+l)
	}
	header = append(header, "flags", "error")
	if err := writer.Write(header); err != nil {
		file.Close()
		return "", err
	}

	for _, p := range products {
		index := make(map[string]int, len(p.LabelNames))
		for i, l := range p.LabelNames {
			index[l] = i
		}
		for _, r := range p.Rows {
			var mask int64
			for _, f := range r.Flags {
				mask |= int64(f)
			}
			record := []string{
				p.TaskID,
				string(task.StatusSucceeded),
				r.ObjectID,
				strconv.Itoa(r.Visit),
				formatFloat(float64(r.SNR)),
				p.GridName,
				formatFloat(float64(r.LogChiSq)),
			}
			for _, values := range []Values{r.Labels, r.Errors} {
				for _, l := range labels {
					if i, ok := index[l]; ok && i < len(values) {
						record = append(record, formatFloat(values[i]))
					} else {
						record = append(record, "")
					}
				}
			}
			record = append(record, strconv.FormatInt(mask, 10), "")
			if err := writer.Write(record); err != nil {
				file.Close()
				return "", err
			}
		}
	}

	for _, t := range failed {
		record := make([]string, len(header))
		record[0] = t.ID
		record[1] = string(task.StatusFailed)
		record[len(record)-1] = t.Error
		if err := writer.Write(record); err != nil {
			file.Close()
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return "", err
	}
	return path, file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
