package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultExtension is the file suffix the engine writes checkpoint blobs with.
const DefaultExtension = ".pickle"

// Layout describes where the ranks of one partitioned domain keep their
// checkpoint blobs.
type Layout struct {
	Dir        string
	DomainName string
	Size       int
	// Extension defaults to DefaultExtension when empty.
	Extension string
}

// Path returns the blob path rank writes for checkpoint time t.
func (l Layout) Path(rank int, t float64) string {
	name := fmt.Sprintf("%s_P%d_%d_%s%s", l.DomainName, l.Size, rank, FormatTime(t), l.extension())
	return filepath.Join(l.Dir, name)
}

// Scan lists the checkpoint times for which every rank's blob exists, sorted
// ascending. A missing directory yields no times.
func (l Layout) Scan() ([]float64, error) {
	if l.Size < 1 {
		return nil, fmt.Errorf("checkpoint scan: size must be at least 1, got %d", l.Size)
	}
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	prefix := fmt.Sprintf("%s_P%d_", l.DomainName, l.Size)
	ext := l.extension()
	ranksByTime := make(map[string]map[int]struct{})
	values := make(map[string]float64)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		rankPart, timePart, ok := strings.Cut(rest, "_")
		if !ok {
			continue
		}
		rank, err := strconv.Atoi(rankPart)
		if err != nil || rank < 0 || rank >= l.Size {
			continue
		}
		t, err := strconv.ParseFloat(timePart, 64)
		if err != nil {
			continue
		}
		key := FormatTime(t)
		if ranksByTime[key] == nil {
			ranksByTime[key] = make(map[int]struct{}, l.Size)
		}
		ranksByTime[key][rank] = struct{}{}
		values[key] = t
	}

	var complete []float64
	for key, ranks := range ranksByTime {
		if len(ranks) == l.Size {
			complete = append(complete, values[key])
		}
	}
	sort.Float64s(complete)
	return complete, nil
}

func (l Layout) extension() string {
	ext := strings.TrimSpace(l.Extension)
	if ext == "" {
		return DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Path returns {dir}/{domain}_P{size}_{rank}_{t}.pickle.
func Path(dir, domain string, size, rank int, t float64) string {
	return Layout{Dir: dir, DomainName: domain, Size: size}.Path(rank, t)
}

// Scan lists complete checkpoint times under dir using the default extension.
func Scan(dir, domain string, size int) ([]float64, error) {
	return Layout{Dir: dir, DomainName: domain, Size: size}.Scan()
}

// FormatTime renders t the way the engine names checkpoint files: integral
// values keep a trailing ".0" (173 becomes "173.0").
func FormatTime(t float64) string {
	s := strconv.FormatFloat(t, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
