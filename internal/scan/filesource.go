package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// FileSource collects batches from JSON files dropped into a spool directory
// by external strategy processes. Each file holds one Batch; files are
// removed once consumed. Malformed files are quarantined with a ".bad"
// suffix instead of wedging the cycle.
type FileSource struct {
	dir string
}

// NewFileSource ensures the spool directory exists.
func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}
	return &FileSource{dir: dir}, nil
}

// Collect drains the spool directory.
func (fs *FileSource) Collect(ctx context.Context) ([]Batch, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var batches []Batch
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(fs.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("spool read failed")
			continue
		}
		var batch Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("quarantining malformed batch file")
			os.Rename(path, path+".bad")
			continue
		}
		os.Remove(path)
		batches = append(batches, batch)
	}
	return batches, nil
}
