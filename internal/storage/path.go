package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// CheckpointKey is where the conversation state of one thread is stored.
func CheckpointKey(prefix, threadID string) (string, error) {
	if err := validatePathComponent(threadID, "thread id"); err != nil {
		return "", err
	}
	return path.Join(cleanKeyPrefix(prefix), "threads", threadID+".json"), nil
}

// CheckpointDir is the key prefix under which every thread checkpoint lives.
func CheckpointDir(prefix string) string {
	return path.Join(cleanKeyPrefix(prefix), "threads") + "/"
}

// ThreadIDFromKey reverses CheckpointKey. It reports false for keys that are
// not checkpoint objects.
func ThreadIDFromKey(prefix, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, CheckpointDir(prefix))
	if !ok || strings.Contains(name, "/") {
		return "", false
	}
	threadID, ok := strings.CutSuffix(name, ".json")
	if !ok || validatePathComponent(threadID, "thread id") != nil {
		return "", false
	}
	return threadID, true
}

// DatasetKey names the parquet object holding one demo table.
func DatasetKey(prefix, tableName string, seed int64, sequence int) (string, error) {
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	if sequence < 0 {
		return "", fmt.Errorf("sequence must be >= 0")
	}
	return path.Join(
		cleanKeyPrefix(prefix),
		"datasets",
		tableName,
		fmt.Sprintf("part-%d-%05d.parquet", seed, sequence),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

func cleanKeyPrefix(prefix string) string {
	cleaned := path.Clean("/" + prefix)
	if cleaned == "/" {
		return ""
	}
	return cleaned[1:]
}
