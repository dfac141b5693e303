package ffmpeg

import (
	"os"
	"path/filepath"
	"regexp"
)

var orphanPattern = regexp.MustCompile(`(_segment_\d+\.mp4|_concat\.txt)$`)

// CleanupOrphans removes temporary segment and concat-list files left
// behind by a repair that was interrupted mid-flight. Run once at
// startup, before the queue is offered any work.
func CleanupOrphans(processedDir string) error {
	entries, err := os.ReadDir(processedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if orphanPattern.MatchString(entry.Name()) {
			path := filepath.Join(processedDir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Warnln("couldn't remove orphan temp file", path, ":", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Infof("removed %d orphan temp file(s) from interrupted processing", removed)
	}
	return nil
}
