// Package capture stores raw current waveforms as NumPy .npy files for
// offline ripple analysis.
package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sbinet/npyio"
)

// FileName returns a unique, time-sortable name such as
// "ripple-01HZX3Q9J6W8N1B2C3D4E5F6G7.npy".
func FileName(prefix string) string {
	if prefix == "" {
		prefix = "capture"
	}
	return prefix + "-" + ulid.Make().String() + ".npy"
}

// Write saves samples as a one-dimensional float64 array. The file is
// written to a temporary name and renamed into place.
func Write(path string, samples []float64) error {
	if !strings.HasSuffix(path, ".npy") {
		return fmt.Errorf("capture: %s: file name must end in .npy", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*")
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := npyio.Write(w, samples); err != nil {
		tmp.Close()
		return fmt.Errorf("capture: encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("capture: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("capture: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

// Read loads a float64 array written by Write (or by numpy.save).
func Read(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	defer f.Close()

	var samples []float64
	if err := npyio.Read(bufio.NewReader(f), &samples); err != nil {
		return nil, fmt.Errorf("capture: decode %s: %w", path, err)
	}
	return samples, nil
}
