package artifacts

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
)

// RunPrefix is the key prefix every artifact of runID is stored under.
func RunPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// UploadRun stores files (name -> contents) under runs/{runID}/ in name order
// and returns the stored keys. The first failure aborts the upload.
func UploadRun(ctx context.Context, store Store, runID string, files map[string][]byte) ([]string, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.Contains(runID, "/") {
		return nil, fmt.Errorf("%w: run id %q", ErrInvalidKey, runID)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	keys := make([]string, 0, len(names))
	for _, name := range names {
		key := RunPrefix(runID) + strings.TrimLeft(name, "/")
		if err := store.Put(ctx, key, files[name], contentTypeFor(name)); err != nil {
			return keys, fmt.Errorf("artifacts: upload %s: %w", name, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func contentTypeFor(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	case ".log", ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
