package duckdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/duckmesh/dbagent/internal/storage"
)

// expandKeys replaces every key ending in "/" with the parquet objects listed
// below it, so one dataset entry can name a whole directory of parts.
func expandKeys(ctx context.Context, store storage.ObjectStore, keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, "/") {
			out = append(out, key)
			continue
		}
		objects, err := store.List(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", key, err)
		}
		found := 0
		for _, obj := range objects {
			if strings.HasSuffix(obj.Key, ".parquet") {
				out = append(out, obj.Key)
				found++
			}
		}
		if found == 0 {
			return nil, fmt.Errorf("no parquet objects under %q", key)
		}
	}
	return out, nil
}

// stageObject copies one object to a local file DuckDB can read.
func stageObject(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	body, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		return fmt.Errorf("copy object %q to %q: %w", key, localPath, err)
	}
	return file.Close()
}
