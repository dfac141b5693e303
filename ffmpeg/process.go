package ffmpeg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/proc"
	"github.com/sandeep1995/doublelift/vods"
)

// Options are the repair tunables. Zero values get the documented
// defaults.
type Options struct {
	SilenceNoise    string  // silencedetect noise floor, e.g. "-50dB"
	MinMuteSeconds  float64 // mute intervals shorter than this are ignored
	MergeGapSeconds float64 // intervals closer than this are merged
	MinKeepSeconds  float64 // keep-intervals shorter than this are dropped
}

func (o *Options) fillDefaults() {
	if o.SilenceNoise == "" {
		o.SilenceNoise = "-50dB"
	}
	if o.MinMuteSeconds == 0 {
		o.MinMuteSeconds = 10
	}
	if o.MergeGapSeconds == 0 {
		o.MergeGapSeconds = 2
	}
	if o.MinKeepSeconds == 0 {
		o.MinKeepSeconds = 5
	}
}

// Processor repairs an acquired VOD by cutting out its muted regions
// with stream copies, never re-encoding.
type Processor struct {
	db           *gorm.DB
	procs        *proc.Registry
	processedDir string
	opts         Options
}

func NewProcessor(db *gorm.DB, procs *proc.Registry, processedDir string, opts Options) *Processor {
	opts.fillDefaults()
	return &Processor{db: db, procs: procs, processedDir: processedDir, opts: opts}
}

// Process produces <processedDir>/<id>_processed.mp4. Precondition:
// acquisition completed. Idempotent like the downloader.
func (p *Processor) Process(vodID string) (string, error) {
	vod, err := vods.Get(p.db, vodID)
	if err != nil {
		return "", err
	}

	if vod.DownloadStatus != vods.DownloadCompleted {
		return "", &faults.InvalidStateError{Op: "process", Status: string(vod.DownloadStatus)}
	}

	outputPath := filepath.Join(p.processedDir, fmt.Sprintf("%s_processed.mp4", vodID))

	if vod.ProcessStatus == vods.ProcessCompleted && vod.ProcessedFilePath != "" && fileExists(vod.ProcessedFilePath) {
		log.Infoln("VOD", vodID, "already processed")
		return vod.ProcessedFilePath, nil
	}

	if err := os.MkdirAll(p.processedDir, 0700); err != nil {
		return "", err
	}

	events.Broadcast("process_start", map[string]interface{}{
		"vodId": vodID,
		"title": vod.Title,
	})
	p.setStatus(vodID, vods.Processing, 0)

	path, err := p.repair(&vod, outputPath)
	if err != nil {
		p.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
			"process_status": vods.ProcessFailed,
			"error_message":  err.Error(),
		})
		events.Broadcast("process_error", map[string]interface{}{
			"vodId": vodID,
			"error": err.Error(),
		})
		return "", err
	}

	err = p.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
		"process_status":      vods.ProcessCompleted,
		"process_progress":    100.0,
		"processed_file_path": path,
		"error_message":       "",
	}).Error
	if err != nil {
		return "", err
	}

	events.Broadcast("process_complete", map[string]interface{}{
		"vodId": vodID,
		"title": vod.Title,
	})
	return path, nil
}

func (p *Processor) repair(vod *vods.Vod, outputPath string) (string, error) {
	mutes := vod.MutedSegments
	if len(mutes) == 0 {
		// no hints from the catalog: detect. Detection failure never
		// blocks a repair, it just means nothing gets cut.
		detected, err := p.detectSilence(vod)
		if err != nil {
			log.Warnln("silence detection failed for", vod.ID, ":", err)
		} else {
			mutes = detected
			p.db.Model(&vods.Vod{}).Where("id = ?", vod.ID).
				Update("muted_segments", mutes)
		}
	}
	p.setStatus(vod.ID, vods.Processing, 30)

	total := float64(vod.DurationSeconds)
	if total <= 0 {
		probed, err := ProbeDuration(vod.FilePath)
		if err != nil {
			return "", err
		}
		total = probed
	}

	muteIntervals := MergeSegments(mutes, p.opts.MergeGapSeconds, p.opts.MinMuteSeconds)

	if len(muteIntervals) == 0 {
		if err := copyFile(vod.FilePath, outputPath); err != nil {
			return "", err
		}
		p.setStatus(vod.ID, vods.Processing, 100)
		return outputPath, nil
	}

	keeps := KeepIntervals(muteIntervals, total, p.opts.MinKeepSeconds)
	if len(keeps) == 0 {
		return "", fmt.Errorf("nothing left to keep after removing muted regions")
	}

	if len(keeps) == 1 {
		k := keeps[0]
		// one keep that spans essentially the whole file: plain copy
		if k.Start < 1 && k.End > total-1 {
			if err := copyFile(vod.FilePath, outputPath); err != nil {
				return "", err
			}
			return outputPath, nil
		}
		if err := p.extract(vod.ID, vod.FilePath, outputPath, k); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	segmentFiles, err := p.extractAll(vod.ID, vod.FilePath, keeps)
	if err != nil {
		return "", err
	}
	p.setStatus(vod.ID, vods.Processing, 95)

	if err := p.concat(vod.ID, segmentFiles, outputPath); err != nil {
		return "", err
	}

	for _, f := range segmentFiles {
		os.Remove(f)
	}
	return outputPath, nil
}

// detectSilence runs silencedetect over the acquired file and parses
// its diagnostic stream. Reported as the 0-30% slice of progress.
func (p *Processor) detectSilence(vod *vods.Vod) ([]vods.MutedSegment, error) {
	args := []string{
		"-i", vod.FilePath,
		"-af", fmt.Sprintf("silencedetect=noise=%s:d=%g", p.opts.SilenceNoise, p.opts.MinMuteSeconds),
		"-f", "null", "-",
	}
	handle, err := proc.Start("ffmpeg", args, "")
	if err != nil {
		return nil, err
	}
	p.procs.Put(vod.ID, handle)
	defer p.procs.Remove(vod.ID)

	var parser SilenceParser
	for line := range handle.Lines() {
		parser.Feed(line)
	}

	res := handle.Wait()
	if handle.Killed() {
		return nil, faults.ErrCancelled
	}
	if err := proc.Classify("ffmpeg", res, false); err != nil {
		return nil, err
	}
	return parser.Segments(), nil
}

// extract stream-copies one keep-interval of src to dst.
func (p *Processor) extract(vodID, src, dst string, k Interval) error {
	args := []string{
		"-i", src,
		"-ss", fmt.Sprintf("%f", k.Start),
		"-to", fmt.Sprintf("%f", k.End),
		"-c", "copy",
		"-y", dst,
	}
	return p.run(vodID, args, dst)
}

// extractAll cuts every keep-interval to its own temporary segment
// file, reporting the 30-95% slice of progress.
func (p *Processor) extractAll(vodID, src string, keeps []Interval) ([]string, error) {
	var segmentFiles []string
	for i, k := range keeps {
		segmentPath := filepath.Join(p.processedDir, fmt.Sprintf("%s_segment_%d.mp4", vodID, i))
		if err := p.extract(vodID, src, segmentPath, k); err != nil {
			return nil, err
		}
		segmentFiles = append(segmentFiles, segmentPath)

		percent := 30 + 65*float64(i+1)/float64(len(keeps))
		p.setStatus(vodID, vods.Processing, percent)
		events.Broadcast("process_progress", map[string]interface{}{
			"vodId":   vodID,
			"percent": percent,
			"segment": i + 1,
			"total":   len(keeps),
		})
	}
	return segmentFiles, nil
}

// concat joins the segment files in order with the concat demuxer.
func (p *Processor) concat(vodID string, segmentFiles []string, dst string) error {
	listPath := filepath.Join(p.processedDir, fmt.Sprintf("%s_concat.txt", vodID))
	var list string
	for _, f := range segmentFiles {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		list += fmt.Sprintf("file '%s'\n", abs)
	}
	if err := os.WriteFile(listPath, []byte(list), 0600); err != nil {
		return err
	}
	defer os.Remove(listPath)

	args := []string{"-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", "-y", dst}
	return p.run(vodID, args, dst)
}

func (p *Processor) run(vodID string, args []string, outputPath string) error {
	handle, err := proc.Start("ffmpeg", args, "")
	if err != nil {
		return err
	}
	p.procs.Put(vodID, handle)
	defer p.procs.Remove(vodID)

	for range handle.Lines() {
		// drain; ffmpeg chatters on stderr
	}
	res := handle.Wait()
	if handle.Killed() {
		return faults.ErrCancelled
	}
	return proc.Classify("ffmpeg", res, outputPath != "" && fileExists(outputPath))
}

func (p *Processor) setStatus(vodID string, status vods.ProcessStatus, percent float64) {
	p.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
		"process_status":   status,
		"process_progress": percent,
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
