package product

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/ferreq/internal/bitmask"
	"github.com/nadmax/ferreq/internal/naming"
	"github.com/nadmax/ferreq/internal/reconcile"
	"github.com/nadmax/ferreq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBundleID = "ab12cd34-0000-0000-0000-000000000000"

func testResult() *reconcile.TaskResult {
	nan := math.NaN()
	return &reconcile.TaskResult{
		TaskIndex: 0,
		Rows: []reconcile.Row{
			{
				Name:      "0_0_0_0_50.0_2M001",
				Decoded:   naming.Name{Task: 0, Visit: 0, SNR: 50, ObjectID: "2M001"},
				Initial:   []float64{4000, 2.5},
				Labels:    []float64{4125.5, 2.25},
				Errors:    []float64{12.5, 0.05},
				Flags:     []bitmask.ParamFlag{bitmask.GridEdgeWarn, 0},
				LogChiSq:  0.3,
				LogSNRSq:  3.4,
				FracPhot:  1,
				Flux:      []float64{1, nan},
				Sigma:     []float64{0.1, nan},
				ModelFlux: []float64{0.98, nan},
				Continuum: []float64{1, nan},
			},
			{
				Name:     "0_0_0_1_20.0_2M001",
				Decoded:  naming.Name{Task: 0, Visit: 1, SNR: 20, ObjectID: "2M001"},
				Labels:   []float64{4130, 2.3},
				Errors:   []float64{20, 0.1},
				Flags:    []bitmask.ParamFlag{0, bitmask.ParamFixed},
				LogChiSq: 0.5,
			},
		},
	}
}

func TestValueEncodesNonFiniteAsNull(t *testing.T) {
	data, err := json.Marshal(Values{1.5, math.NaN(), math.Inf(1)})
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5, null, null]`, string(data))

	var back Values
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 3)
	assert.Equal(t, 1.5, back[0])
	assert.True(t, math.IsNaN(back[1]))
	assert.True(t, math.IsNaN(back[2]))
}

func TestFromResult(t *testing.T) {
	p := FromResult("task-1", testBundleID, "/grids/sBA.hdr", "sBA", []string{"TEFF", "LOGG"}, testResult())

	require.Len(t, p.Rows, 2)
	assert.Equal(t, "2M001", p.Rows[0].ObjectID)
	assert.Equal(t, 1, p.Rows[1].Visit)
	assert.Equal(t, []string{"GRIDEDGE_WARN", ""}, p.Rows[0].FlagNames)
	assert.InDelta(t, 0.4, p.LogChiSq(), 1e-12)
	assert.Equal(t, []bitmask.ParamFlag{bitmask.GridEdgeWarn, bitmask.ParamFixed}, p.Flags())
	assert.Equal(t, int64(bitmask.GridEdgeWarn|bitmask.ParamFixed), p.Combined())
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	p := FromResult("task-1", testBundleID, "/grids/sBA.hdr", "sBA", []string{"TEFF", "LOGG"}, testResult())
	p.SolverSeconds = 12.5

	path, err := w.Write(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "products", "ab", testBundleID, "task-1.json"), path)

	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "task-1", back.TaskID)
	assert.Equal(t, 12.5, back.SolverSeconds)
	require.Len(t, back.Rows, 2)
	assert.Equal(t, 4125.5, back.Rows[0].Labels[0])
	assert.True(t, math.IsNaN(back.Rows[0].ModelFlux[1]))
	assert.Nil(t, back.Rows[1].Flux)
}

func TestWriteRejectsShortBundleID(t *testing.T) {
	w := NewWriter(t.TempDir())

	_, err := w.Write(&Product{TaskID: "t", BundleID: "a"})
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	p := FromResult("task-1", testBundleID, "/grids/sBA.hdr", "sBA", []string{"TEFF", "LOGG"}, testResult())
	failed := &task.Task{ID: "task-2", Status: task.StatusFailed, Error: "no chi-square for 1_0_0_0_40.0_b", CreatedAt: time.Now()}

	path, err := w.WriteSummary(testBundleID, []string{"TEFF", "LOGG", "M_H"}, []*Product{p}, []*task.Task{failed})
	require.NoError(t, err)
	assert.Equal(t, SummaryFile, filepath.Base(path))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	header := records[0]
	assert.Equal(t, []string{
		"task_id", "status", "object_id", "visit", "snr", "grid", "log_chisq_fit",
		"TEFF", "LOGG", "M_H", "e_TEFF", "e_LOGG", "e_M_H", "flags", "error",
	}, header)

	first := records[1]
	assert.Equal(t, "task-1", first[0])
	assert.Equal(t, "succeeded", first[1])
	assert.Equal(t, "50", first[4])
	assert.Equal(t, "4125.5", first[7])
	assert.Equal(t, "", first[9])
	assert.Equal(t, "12.5", first[10])
	assert.Equal(t, "256", first[13])

	last := records[3]
	assert.Equal(t, "task-2", last[0])
	assert.Equal(t, "failed", last[1])
	assert.Equal(t, "no chi-square for 1_0_0_0_40.0_b", last[len(last)-1])
}
