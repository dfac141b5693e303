package ytdlp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/proc"
	"github.com/sandeep1995/doublelift/vods"
)

// Downloader acquires raw VOD files with yt-dlp. It does not decide
// about retries; that is the queue engine's job.
type Downloader struct {
	db         *gorm.DB
	procs      *proc.Registry
	storageDir string
}

func NewDownloader(db *gorm.DB, procs *proc.Registry, storageDir string) *Downloader {
	return &Downloader{db: db, procs: procs, storageDir: storageDir}
}

// Download fetches the VOD to <storageDir>/<id>.mp4. Idempotent: a
// completed record whose file is still on disk is re-affirmed and
// returned as-is.
func (d *Downloader) Download(vodID string) (string, error) {
	vod, err := vods.Get(d.db, vodID)
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(d.storageDir, fmt.Sprintf("%s.mp4", vodID))

	if vod.DownloadStatus == vods.DownloadCompleted && vod.FilePath != "" && fileExists(vod.FilePath) {
		log.Infoln("VOD", vodID, "already downloaded")
		return vod.FilePath, nil
	}

	if err := os.MkdirAll(d.storageDir, 0700); err != nil {
		return "", err
	}

	events.Broadcast("download_start", map[string]interface{}{
		"vodId": vodID,
		"title": vod.Title,
	})

	args := []string{"--newline", "--no-playlist", "-o", outputPath, vod.URL}
	handle, err := proc.Start("yt-dlp", args, d.storageDir)
	if err != nil {
		return "", err
	}
	d.procs.Put(vodID, handle)
	defer d.procs.Remove(vodID)

	d.followProgress(vodID, handle)

	res := handle.Wait()
	if handle.Killed() {
		// a pause/cancel asked for this exit; yt-dlp may trap the
		// signal and exit with a code Classify wouldn't recognize
		return "", faults.ErrCancelled
	}
	if err := proc.Classify("yt-dlp", res, fileExists(outputPath)); err != nil {
		return "", err
	}

	// yt-dlp output naming is not fully predictable; if the expected
	// file is missing, adopt whatever it produced for this id.
	if !fileExists(outputPath) {
		found, err := d.findByID(vodID)
		if err != nil {
			return "", &faults.StorageInconsistencyError{Path: outputPath}
		}
		log.Warnln("renaming", found, "->", outputPath)
		if err := os.Rename(found, outputPath); err != nil {
			return "", err
		}
	}

	err = d.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
		"file_path":         outputPath,
		"download_progress": 100.0,
	}).Error
	if err != nil {
		return "", err
	}

	events.Broadcast("download_complete", map[string]interface{}{
		"vodId": vodID,
		"title": vod.Title,
	})

	return outputPath, nil
}

// followProgress drains the output stream, persisting and broadcasting
// at most once per second, except that a changed percentage always
// flushes immediately.
func (d *Downloader) followProgress(vodID string, handle *proc.Handle) {
	var lastFlush time.Time
	lastPercent := -1.0

	for line := range handle.Lines() {
		p := ParseProgressLine(line)
		if p.Empty() {
			continue
		}

		newPercent := p.HasPercent && p.Percent != lastPercent
		if !newPercent && time.Since(lastFlush) < time.Second {
			continue
		}
		lastFlush = time.Now()

		payload := map[string]interface{}{"vodId": vodID}
		if p.HasPercent {
			lastPercent = p.Percent
			payload["percent"] = p.Percent
			d.db.Model(&vods.Vod{}).Where("id = ?", vodID).
				Update("download_progress", p.Percent)
		}
		if p.HasItems {
			payload["item"] = p.Item
			payload["totalItems"] = p.TotalItems
		}
		if p.Size != "" {
			payload["size"] = p.Size
		}
		if p.Speed != "" {
			payload["speed"] = p.Speed
		}
		if p.ETA != "" {
			payload["eta"] = p.ETA
		}
		events.Broadcast("download_progress", payload)
	}
}

// findByID scans the storage dir for anything carrying the vod id in
// its name, skipping partial files.
func (d *Downloader) findByID(vodID string) (string, error) {
	entries, err := os.ReadDir(d.storageDir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, vodID) && !strings.HasSuffix(name, ".part") {
			return filepath.Join(d.storageDir, name), nil
		}
	}
	return "", errors.New("no output file found for " + vodID)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
