package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// loadOrCreateNodeID returns the node id persisted under
// dataDir/node-id, generating and saving a fresh uuid on first boot.
// A node must keep the same id across restarts: raft and the cluster
// writeview both key on it.
func loadOrCreateNodeID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "node-id")

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("lexis-node: %s is empty", path)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("lexis-node: failed to read node id: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("lexis-node: failed to create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("lexis-node: failed to persist node id: %w", err)
	}
	return id, nil
}
