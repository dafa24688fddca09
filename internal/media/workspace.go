package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const workspacePrefix = "transcode_"

// Workspace is the ephemeral local directory scoped to a single transcode
// job. Close removes it unconditionally; SweepStale reclaims directories
// left behind by crashed workers.
type Workspace struct {
	dir string
}

// NewWorkspace creates a per-job temp directory under root.
func NewWorkspace(root string, videoID int64) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("%s%d_", workspacePrefix, videoID))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Path returns the absolute path for a file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Close removes the workspace and everything in it. It is safe to call on
// every exit path; failures are logged, not returned, because cleanup must
// never mask the job outcome.
func (w *Workspace) Close() {
	if w.dir == "" {
		return
	}
	if err := os.RemoveAll(w.dir); err != nil {
		log.Warn().Err(err).Str("dir", w.dir).Msg("Failed to remove workspace")
		return
	}
	w.dir = ""
}

// SweepStale removes job directories under root older than maxAge. Run at
// worker startup it reclaims disk from attempts that died without cleanup.
func SweepStale(root string, maxAge time.Duration) (removed int) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("root", root).Msg("Failed to read workspace root")
		}
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workspacePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove stale workspace")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept stale transcode workspaces")
	}
	return removed
}
