package files

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tengine/internal/logging"
)

func cleanStale(dir string, maxAge time.Duration, logger *slog.Logger) []string {
	if maxAge <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to list staging dir",
				slog.String("path", dir),
				logging.Err(err),
				slog.String(logging.FieldEventType, "staging_cleanup_failed"),
			)
		}
		return nil
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !isStaged(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale staged file",
				slog.String("path", path),
				logging.Err(err),
				slog.String(logging.FieldEventType, "staging_cleanup_failed"),
			)
			continue
		}
		removed = append(removed, path)
		logger.Info("removed stale staged file",
			slog.String("path", path),
			slog.Duration("age", time.Since(info.ModTime())),
			slog.String(logging.FieldEventType, "staging_cleanup"),
		)
	}
	return removed
}
