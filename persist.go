package conduit

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// saveJSON serializes v and writes it to path atomically: encode to a temp
// file in the same directory, fsync, then rename over the target. Readers
// on restart observe either the previous or the new file, never a partial
// write. Every store (Task Store, DAG Store, Device Registry, Device Task
// Queue, Hypergraph sessions, Config Store) persists this way.
func saveJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// loadJSON reads and decodes path into v. A missing file is not an error;
// v is left at its zero value so callers can start empty.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
