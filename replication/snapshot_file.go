package replication

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// LoadSnapshotFile loads the RDB file at path into stor and returns the
// number of keys loaded. A missing file loads nothing. Like a snapshot
// received from a master, the file must parse completely before any key
// is stored.
func LoadSnapshotFile(path string, stor storage.Storage, logger Logger) (int, error) {
	if logger == nil {
		logger = nopLogger{}
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("No snapshot file to load", "path", path)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	loader := &snapshotLoader{logger: logger}
	parser := NewRDBParser(bufio.NewReader(f), loader)
	parser.SetLogger(logger)
	if err := parser.Parse(); err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", path, err)
	}
	loader.apply(stor)

	logger.Info("Snapshot file loaded",
		"path", path,
		"rdb_version", parser.Version(),
		"keys", len(loader.entries),
		"skipped", parser.Skipped())
	return len(loader.entries), nil
}
