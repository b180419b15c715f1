package grid

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Cache memoizes parsed headers by path. Its lifetime is owned by whoever constructs it.
type Cache struct {
	mu    sync.Mutex
	grids map[string]*Grid
	load  func(string) (*Grid, error)
}

func NewCache() *Cache {
	return &Cache{
		grids: make(map[string]*Grid),
		load:  Load,
	}
}

func (c *Cache) Get(path string) (*Grid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.grids[path]; ok {
		return g, nil
	}

	g, err := c.load(path)
	if err != nil {
		return nil, err
	}
	c.grids[path] = g
	return g, nil
}

// Put stores an already parsed grid under path.
func (c *Cache) Put(path string, g *Grid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.grids[path] = g
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.grids)
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.grids = make(map[string]*Grid)
}

// Descriptor is the metadata encoded in a grid header file name.
type Descriptor struct {
	SpectralType string `json:"spectral_type" yaml:"spectral_type"`
	GiantDwarf   string `json:"giant_dwarf" yaml:"giant_dwarf"`
	LSF          string `json:"lsf" yaml:"lsf"`
	Tag          string `json:"tag" yaml:"tag"`
	ShortName    string `json:"short_name" yaml:"short_name"`
}

var headerNamePattern = regexp.MustCompile(`^p_?aps([A-Za-z]+?)([gd])_(\d+)_lsf([a-z0-9]+)_([^.]+)\.hdr$`)

// ParseHeaderPath reads names like p_apsGKg_180901_lsfa_l33.hdr. Paths that do not
// follow the convention get only a ShortName and ok is false.
func ParseHeaderPath(path string) (Descriptor, bool) {
	base := filepath.Base(path)
	m := headerNamePattern.FindStringSubmatch(base)
	if m == nil {
		return Descriptor{ShortName: strings.TrimSuffix(base, filepath.Ext(base))}, false
	}

	return Descriptor{
		SpectralType: m[1],
		GiantDwarf:   m[2],
		LSF:          m[4],
		Tag:          m[5],
		ShortName:    m[1] + m[2] + "_" + m[4],
	}, true
}
