package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

// QuarantineDelta preserves a corrupt session delta under the
// quarantine directory with a timestamped suffix: boot succeeds with an
// empty delta, a LayerError warning is surfaced, and the corrupt file is
// preserved rather than discarded. Mirrors a conflict-log pattern
// (a .conflicts/ directory) generalized from a per-file conflict record
// to a whole quarantined delta blob.
func (s *Store) QuarantineDelta(sessionID string, corrupt []byte) error {
	name := fmt.Sprintf("%s.%s.quarantined", sessionID, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(s.quarantineDir(), name)
	if err := os.WriteFile(path, corrupt, 0644); err != nil {
		return herr.NewStorageError("quarantine delta", err)
	}
	return nil
}
