package spectrum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Loader reads the spectra held by one data product.
type Loader interface {
	Load(ctx context.Context, path string) ([]*Spectrum, error)
}

// JSONLoader reads a file holding either one spectrum object or a list of them.
type JSONLoader struct{}

func (JSONLoader) Load(ctx context.Context, path string) ([]*Spectrum, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data product: %w", err)
	}

	data = bytes.TrimSpace(data)
	var spectra []*Spectrum
	if bytes.HasPrefix(data, []byte("[")) {
		err = json.Unmarshal(data, &spectra)
	} else {
		var s Spectrum
		err = json.Unmarshal(data, &s)
		spectra = []*Spectrum{&s}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	for _, s := range spectra {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return spectra, nil
}
