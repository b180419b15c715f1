package selector

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/ferreq/internal/bitmask"
	"github.com/nadmax/ferreq/internal/naming"
	"github.com/nadmax/ferreq/internal/product"
	"github.com/nadmax/ferreq/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(id string, chi float64, created time.Time) Candidate {
	return Candidate{
		TaskID:     id,
		Key:        "2M001",
		HeaderPath: "/grids/p_apsMg_180901_lsfa_l33.hdr",
		LogChiSq:   chi,
		Labels:     map[string]float64{"teff": 4500, "logg": 2.5},
		Flags:      map[string]bitmask.ParamFlag{},
		CreatedAt:  created,
	}
}

func TestDefaultPenaltyTable(t *testing.T) {
	table := DefaultPenaltyTable()

	require.Len(t, table.Edges, 2)
	assert.Equal(t, "teff", table.Edges[0].Label)
	assert.Equal(t, bitmask.GridEdgeBad|bitmask.GridEdgeWarn, table.Edges[0].mask())
	require.Len(t, table.Ranges, 1)
	assert.Equal(t, "GK", table.Ranges[0].SpectralType)
	assert.Equal(t, 3900.0, *table.Ranges[0].Below)
}

func TestPenalize(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()

	tests := []struct {
		name     string
		modify   func(c *Candidate)
		expected float64
	}{
		{"no penalty", func(c *Candidate) {}, -2},
		{"teff edge", func(c *Candidate) { c.Flags["teff"] = bitmask.GridEdgeBad }, -2 + math.Log10(5)},
		{"logg warning edge", func(c *Candidate) { c.Flags["logg"] = bitmask.GridEdgeWarn }, -2 + math.Log10(5)},
		{"both edges", func(c *Candidate) {
			c.Flags["teff"] = bitmask.GridEdgeBad
			c.Flags["logg"] = bitmask.GridEdgeBad | bitmask.FerreFail
		}, -2 + 2*math.Log10(5)},
		{"other flags", func(c *Candidate) { c.Flags["teff"] = bitmask.ParamFixed }, -2},
		{"cool GK", func(c *Candidate) {
			c.HeaderPath = "/grids/p_apsGKg_180901_lsfa_l33.hdr"
			c.Labels["teff"] = 3800
		}, -2 + math.Log10(10)},
		{"warm GK", func(c *Candidate) {
			c.HeaderPath = "/grids/p_apsGKg_180901_lsfa_l33.hdr"
			c.Labels["teff"] = 4000
		}, -2},
		{"cool M", func(c *Candidate) { c.Labels["teff"] = 3800 }, -2},
		{"explicit spectral type", func(c *Candidate) {
			c.SpectralType = "GK"
			c.Labels["teff"] = 3500
		}, -2 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate("t", -2, now)
			tt.modify(&c)
			assert.InDelta(t, tt.expected, table.Penalize(c), 1e-12)
		})
	}
}

func TestSelectPrefersUnpenalizedResult(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()

	clean := candidate("clean", -2.0, now.Add(-time.Hour))
	edge := candidate("edge", -2.1, now)
	edge.Flags["teff"] = bitmask.GridEdgeBad

	winner, ranking, err := table.Select([]Candidate{edge, clean})
	require.NoError(t, err)
	assert.Equal(t, "clean", winner.TaskID)
	assert.InDelta(t, -2.0, winner.Penalized, 1e-12)
	require.Len(t, ranking, 2)
	assert.Equal(t, "edge", ranking[1].TaskID)
}

func TestSelectTieBreaks(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()

	older := candidate("a", -1, now.Add(-time.Minute))
	newer := candidate("b", -1, now)
	sameTimeLow := candidate("c", -1, now)
	broken := candidate("d", math.NaN(), now.Add(time.Hour))

	_, ranking, err := table.Select([]Candidate{broken, older, newer, sameTimeLow})
	require.NoError(t, err)

	ids := make([]string, len(ranking))
	for i, r := range ranking {
		ids[i] = r.TaskID
	}
	assert.Equal(t, []string{"c", "b", "a", "d"}, ids)
}

func TestSelectIsIdempotent(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()

	candidates := []Candidate{
		candidate("a", -1.5, now),
		candidate("b", -1.5, now),
		candidate("c", -1.2, now.Add(time.Second)),
	}
	first, _, err := table.Select(candidates)
	require.NoError(t, err)

	reversed := []Candidate{candidates[2], candidates[1], candidates[0]}
	for i := 0; i < 3; i++ {
		again, _, err := table.Select(reversed)
		require.NoError(t, err)
		assert.Equal(t, first.TaskID, again.TaskID)
	}
}

func TestSelectNoCandidates(t *testing.T) {
	_, _, err := DefaultPenaltyTable().Select(nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelectAllGroupsByKey(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()

	a1 := candidate("a1", -1, now)
	a2 := candidate("a2", -2, now)
	b1 := candidate("b1", -3, now)
	b1.Key = "2M000"

	selections := table.SelectAll([]Candidate{a1, b1, a2})
	require.Len(t, selections, 2)
	assert.Equal(t, "2M000", selections[0].Key)
	assert.Equal(t, "b1", selections[0].Winner.TaskID)
	assert.Equal(t, "2M001", selections[1].Key)
	assert.Equal(t, "a2", selections[1].Winner.TaskID)
	assert.Len(t, selections[1].Ranking, 2)
}

func TestParsePenaltyTable(t *testing.T) {
	table, err := ParsePenaltyTable([]byte(`
edges:
  - label: M_H
    flags: [gridedge_bad]
    factor: 2
ranges:
  - label: TEFF
    above: 7000
    factor: 100
`))
	require.NoError(t, err)
	assert.Equal(t, "m_h", table.Edges[0].Label)

	c := candidate("t", 0, time.Now())
	c.Labels["teff"] = 7500
	c.Flags["m_h"] = bitmask.GridEdgeBad
	assert.InDelta(t, math.Log10(2)+2, table.Penalize(c), 1e-12)
}

func TestParsePenaltyTableErrors(t *testing.T) {
	tests := map[string]string{
		"unknown flag":   "edges: [{label: teff, flags: [NOPE], factor: 5}]",
		"missing factor": "edges: [{label: teff, flags: [GRIDEDGE_BAD]}]",
		"missing bound":  "ranges: [{label: teff, factor: 5}]",
		"not yaml":       "edges: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePenaltyTable([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadPenaltyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "penalties.yaml")
	require.NoError(t, os.WriteFile(path, defaultPenalties, 0o644))

	table, err := LoadPenaltyTable(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPenaltyTable(), table)

	_, err = LoadPenaltyTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func gkProduct(taskID string, created time.Time, dataProducts []string, rows ...reconcile.Row) *product.Product {
	p := product.FromResult(taskID, "bundle-1", "/grids/p_apsGKg_180901_lsfa_l33.hdr", "GKg_a",
		[]string{"teff", "logg"}, &reconcile.TaskResult{Rows: rows})
	p.DataProducts = dataProducts
	p.GeneratedAt = created
	return p
}

func TestFromProduct(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := gkProduct("task-1", created, []string{"/data/2M001.json"},
		reconcile.Row{
			Decoded:  naming.Name{ObjectID: "2M001"},
			Labels:   []float64{4000, 2},
			Flags:    []bitmask.ParamFlag{bitmask.GridEdgeWarn, 0},
			LogChiSq: -1,
		},
		reconcile.Row{
			Decoded:  naming.Name{ObjectID: "2M001", Visit: 1},
			Labels:   []float64{4200, 3},
			Flags:    []bitmask.ParamFlag{0, bitmask.ParamFixed},
			LogChiSq: -2,
		},
	)

	cs, err := FromProduct(p)
	require.NoError(t, err)
	require.Len(t, cs, 2)

	first := cs[0]
	assert.Equal(t, "/data/2M001.json:0:0", first.Key)
	assert.Equal(t, "/data/2M001.json", first.DataProduct)
	assert.Equal(t, "2M001", first.ObjectID)
	assert.Equal(t, "task-1", first.TaskID)
	assert.InDelta(t, -1, first.LogChiSq, 1e-12)
	assert.Equal(t, map[string]float64{"teff": 4000, "logg": 2}, first.Labels)
	assert.Equal(t, bitmask.GridEdgeWarn, first.Flags["teff"])
	assert.Equal(t, "GK", first.spectralType())
	assert.Equal(t, created, first.CreatedAt)

	second := cs[1]
	assert.Equal(t, "/data/2M001.json:0:1", second.Key)
	assert.Equal(t, 1, second.Visit)
	assert.InDelta(t, -2, second.LogChiSq, 1e-12)
	assert.Equal(t, bitmask.ParamFixed, second.Flags["logg"])

	_, err = FromProduct(&product.Product{TaskID: "empty"})
	assert.Error(t, err)
}

func TestFromProductWithoutDataProducts(t *testing.T) {
	p := gkProduct("task-1", time.Now(), nil, reconcile.Row{
		Decoded:  naming.Name{ObjectID: "2M001", Spectrum: 2},
		Labels:   []float64{4000, 2},
		LogChiSq: -1,
	})

	cs, err := FromProduct(p)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "2M001:2:0", cs[0].Key)
	assert.Empty(t, cs[0].DataProduct)
}

func TestSelectAllKeepsEveryInputOfAnObject(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()

	row := reconcile.Row{
		Decoded:  naming.Name{ObjectID: "2M001"},
		Labels:   []float64{4500, 2.5},
		Flags:    []bitmask.ParamFlag{0, 0},
		LogChiSq: -1,
	}
	apStar := gkProduct("task-1", now, []string{"/data/apStar-2M001.json"}, row)
	mwmStar := gkProduct("task-2", now, []string{"/data/mwmStar-2M001.json"}, row)

	var candidates []Candidate
	for _, p := range []*product.Product{apStar, mwmStar} {
		cs, err := FromProduct(p)
		require.NoError(t, err)
		candidates = append(candidates, cs...)
	}

	selections := table.SelectAll(candidates)
	require.Len(t, selections, 2)
	assert.Equal(t, "/data/apStar-2M001.json:0:0", selections[0].Key)
	assert.Equal(t, "task-1", selections[0].Winner.TaskID)
	assert.Equal(t, "/data/mwmStar-2M001.json:0:0", selections[1].Key)
	assert.Equal(t, "task-2", selections[1].Winner.TaskID)
	for _, sel := range selections {
		assert.Len(t, sel.Ranking, 1)
	}
}

func TestSelectAllPenalizesEachVisit(t *testing.T) {
	table := DefaultPenaltyTable()
	now := time.Now()
	inputs := []string{"/data/2M001.json"}

	// The first visit is too cool for the GK grid, the second is not.
	gk := gkProduct("task-gk", now, inputs,
		reconcile.Row{Decoded: naming.Name{ObjectID: "2M001"}, Labels: []float64{3800, 1}, Flags: []bitmask.ParamFlag{0, 0}, LogChiSq: -2},
		reconcile.Row{Decoded: naming.Name{ObjectID: "2M001", Visit: 1}, Labels: []float64{4100, 1}, Flags: []bitmask.ParamFlag{0, 0}, LogChiSq: -2},
	)
	m := product.FromResult("task-m", "bundle-2", "/grids/p_apsMg_180901_lsfa_l33.hdr", "Mg_a",
		[]string{"teff", "logg"}, &reconcile.TaskResult{Rows: []reconcile.Row{
			{Decoded: naming.Name{ObjectID: "2M001"}, Labels: []float64{3750, 1}, Flags: []bitmask.ParamFlag{0, 0}, LogChiSq: -1.5},
			{Decoded: naming.Name{ObjectID: "2M001", Visit: 1}, Labels: []float64{3900, 1}, Flags: []bitmask.ParamFlag{0, 0}, LogChiSq: -1.5},
		}})
	m.DataProducts = inputs
	m.GeneratedAt = now

	var candidates []Candidate
	for _, p := range []*product.Product{gk, m} {
		cs, err := FromProduct(p)
		require.NoError(t, err)
		candidates = append(candidates, cs...)
	}

	selections := table.SelectAll(candidates)
	require.Len(t, selections, 2)
	assert.Equal(t, "/data/2M001.json:0:0", selections[0].Key)
	assert.Equal(t, "task-m", selections[0].Winner.TaskID)
	assert.InDelta(t, -1.0, selections[0].Ranking[1].Penalized, 1e-12)
	assert.Equal(t, "/data/2M001.json:0:1", selections[1].Key)
	assert.Equal(t, "task-gk", selections[1].Winner.TaskID)
	assert.InDelta(t, -2.0, selections[1].Winner.Penalized, 1e-12)
}
