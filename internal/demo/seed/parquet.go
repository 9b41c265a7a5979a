package seed

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/dbagent/internal/storage"
)

// ExportResult lists the objects written per table.
type ExportResult struct {
	Keys map[string]string
}

// DatasetsSpec renders the keys in the "table=key,..." form the DuckDB target
// reads from DBAGENT_TARGET_DUCKDB_DATASETS.
func (r ExportResult) DatasetsSpec() string {
	parts := make([]string, 0, len(r.Keys))
	for _, table := range []string{"departments", "employees", "orders"} {
		if key, ok := r.Keys[table]; ok {
			parts = append(parts, table+"="+key)
		}
	}
	return strings.Join(parts, ",")
}

// ExportParquet writes one parquet object per demo table under prefix.
func ExportParquet(ctx context.Context, store storage.ObjectStore, prefix string, ds Dataset) (ExportResult, error) {
	if store == nil {
		return ExportResult{}, fmt.Errorf("object store is required")
	}
	result := ExportResult{Keys: map[string]string{}}

	encoded := []struct {
		table string
		data  func() ([]byte, error)
	}{
		{"departments", func() ([]byte, error) { return encodeParquet(ds.Departments) }},
		{"employees", func() ([]byte, error) { return encodeParquet(ds.Employees) }},
		{"orders", func() ([]byte, error) { return encodeParquet(ds.Orders) }},
	}
	for _, item := range encoded {
		data, err := item.data()
		if err != nil {
			return ExportResult{}, fmt.Errorf("encode %s: %w", item.table, err)
		}
		if data == nil {
			continue
		}
		key, err := storage.DatasetKey(prefix, item.table, ds.Seed, 0)
		if err != nil {
			return ExportResult{}, err
		}
		if _, err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
			return ExportResult{}, fmt.Errorf("put %s: %w", key, err)
		}
		result.Keys[item.table] = key
	}
	return result, nil
}

func encodeParquet[T any](rows []T) ([]byte, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
