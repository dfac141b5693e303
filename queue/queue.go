// Package queue serializes all downloads behind a single-flight loop:
// at most one VOD is ever downloading, and only this engine triggers
// the acquisition and repair workers.
package queue

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/proc"
	"github.com/sandeep1995/doublelift/vods"
)

// Result is the uniform control-surface reply.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Options wires the queue to its workers. Download and Process are
// injectable so the engine is testable without spawning real tools.
type Options struct {
	MaxRetries      int
	RetryDelay      time.Duration
	AutoProcess     bool
	AutoPlaylist    bool
	Download        func(id string) (string, error)
	Process         func(id string) (string, error)
	RebuildPlaylist func() error
}

type Queue struct {
	db    *gorm.DB
	procs *proc.Registry

	maxRetries   int
	retryDelay   time.Duration
	autoProcess  bool
	autoPlaylist bool

	download func(id string) (string, error)
	process  func(id string) (string, error)
	rebuild  func() error

	mu              sync.Mutex
	isProcessing    bool
	currentDownload string
	attemptDone     chan struct{} // closed when the in-flight attempt returns
}

func New(db *gorm.DB, procs *proc.Registry, opts Options) *Queue {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Queue{
		db:           db,
		procs:        procs,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
		autoProcess:  opts.AutoProcess,
		autoPlaylist: opts.AutoPlaylist,
		download:     opts.Download,
		process:      opts.Process,
		rebuild:      opts.RebuildPlaylist,
	}
}

// ResetStuck reconciles persisted statuses against the fact that no
// download or processing subprocess survived a restart. Run once at
// startup before the loop is offered any work. Idempotent.
func (q *Queue) ResetStuck() error {
	var stuck []vods.Vod
	if err := q.db.Where("download_status = ?", vods.Downloading).Find(&stuck).Error; err != nil {
		return err
	}
	for _, vod := range stuck {
		newStatus := vods.DownloadFailed
		if vod.RetryCount < q.maxRetries {
			newStatus = vods.DownloadQueued
		}
		updates := map[string]interface{}{
			"download_status":   newStatus,
			"download_progress": 0.0,
		}
		if newStatus == vods.DownloadFailed {
			updates["error_message"] = "Download interrupted by server restart"
		}
		if err := q.db.Model(&vods.Vod{}).Where("id = ?", vod.ID).Updates(updates).Error; err != nil {
			return err
		}
		log.Infof("reset VOD %s from 'downloading' to '%s'", vod.ID, newStatus)
	}

	// processing has no safe resume point
	res := q.db.Model(&vods.Vod{}).Where("process_status = ?", vods.Processing).Updates(map[string]interface{}{
		"process_status": vods.ProcessFailed,
		"error_message":  "Processing interrupted by server restart",
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Infof("reset %d stuck processing state(s) from previous session", res.RowsAffected)
	}
	return nil
}

// Add queues a VOD for download and pokes the loop.
func (q *Queue) Add(vodID string) (Result, error) {
	vod, err := vods.Get(q.db, vodID)
	if err != nil {
		return Result{}, err
	}

	if vod.DownloadStatus == vods.DownloadCompleted && vod.FilePath != "" && fileExists(vod.FilePath) {
		return Result{Success: true, Message: "VOD already downloaded"}, nil
	}

	now := time.Now()
	err = q.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
		"download_status": vods.DownloadQueued,
		"last_attempt_at": &now,
	}).Error
	if err != nil {
		return Result{}, err
	}

	events.Broadcast("vod_queued", map[string]interface{}{"vodId": vodID})

	go q.ProcessLoop()

	return Result{Success: true, Message: "VOD added to download queue"}, nil
}

// Retry requeues a VOD regardless of how many times it failed before,
// resetting the retry budget.
func (q *Queue) Retry(vodID string) (Result, error) {
	if _, err := vods.Get(q.db, vodID); err != nil {
		return Result{}, err
	}

	now := time.Now()
	err := q.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
		"download_status": vods.DownloadQueued,
		"retry_count":     0,
		"error_message":   "",
		"last_attempt_at": &now,
	}).Error
	if err != nil {
		return Result{}, err
	}

	events.Broadcast("vod_retry", map[string]interface{}{"vodId": vodID})
	go q.ProcessLoop()

	return Result{Success: true, Message: "VOD queued for retry"}, nil
}

// Pause is valid only for the VOD currently downloading. It kills the
// active subprocess and does not count as a failed attempt. The loop
// keeps running and may pick up other eligible work.
func (q *Queue) Pause(vodID string) (Result, error) {
	vod, err := vods.Get(q.db, vodID)
	if err != nil {
		return Result{}, err
	}

	q.mu.Lock()
	isCurrent := q.currentDownload == vodID
	q.mu.Unlock()

	if !isCurrent || vod.DownloadStatus != vods.Downloading {
		return Result{}, &faults.InvalidStateError{Op: "pause", Status: string(vod.DownloadStatus)}
	}

	// status first, then kill: the loop sees the cancelled exit and
	// leaves whatever status the canceller set
	if err := vods.SetDownloadStatus(q.db, vodID, vods.DownloadPaused); err != nil {
		return Result{}, err
	}

	q.mu.Lock()
	q.currentDownload = ""
	done := q.attemptDone
	q.mu.Unlock()

	q.killDownload(vodID, done)

	events.Broadcast("download_paused", map[string]interface{}{"vodId": vodID})
	q.broadcastStatus()

	return Result{Success: true, Message: "Download paused"}, nil
}

// Resume requeues a paused VOD.
func (q *Queue) Resume(vodID string) (Result, error) {
	vod, err := vods.Get(q.db, vodID)
	if err != nil {
		return Result{}, err
	}
	if vod.DownloadStatus != vods.DownloadPaused {
		return Result{}, &faults.InvalidStateError{Op: "resume", Status: string(vod.DownloadStatus)}
	}

	if err := vods.SetDownloadStatus(q.db, vodID, vods.DownloadQueued); err != nil {
		return Result{}, err
	}
	go q.ProcessLoop()

	return Result{Success: true, Message: "Download resumed"}, nil
}

// Cancel stops a download from any non-completed state, killing the
// active subprocess if this VOD is the one in flight.
func (q *Queue) Cancel(vodID string) (Result, error) {
	vod, err := vods.Get(q.db, vodID)
	if err != nil {
		return Result{}, err
	}

	switch vod.DownloadStatus {
	case vods.Downloading, vods.DownloadPaused, vods.DownloadQueued,
		vods.DownloadFailed, vods.DownloadCancelled:
	default:
		return Result{}, &faults.InvalidStateError{Op: "cancel", Status: string(vod.DownloadStatus)}
	}

	err = q.db.Model(&vods.Vod{}).Where("id = ?", vodID).Updates(map[string]interface{}{
		"download_status": vods.DownloadCancelled,
		"error_message":   "",
	}).Error
	if err != nil {
		return Result{}, err
	}

	q.mu.Lock()
	wasCurrent := q.currentDownload == vodID
	var done chan struct{}
	if wasCurrent {
		q.currentDownload = ""
		done = q.attemptDone
	}
	q.mu.Unlock()

	if wasCurrent {
		q.killDownload(vodID, done)
	} else {
		q.procs.Kill(vodID)
	}

	events.Broadcast("download_cancelled", map[string]interface{}{"vodId": vodID})
	q.broadcastStatus()

	return Result{Success: true, Message: "Download cancelled"}, nil
}

// killDownload signals the in-flight download for vodID. The worker
// registers its handle only after spawning the tool, so a pause or
// cancel can land in the window where the VOD is already marked
// downloading but no handle exists yet. When that happens, wait for
// the registration and kill on delivery, giving up once the attempt
// returns on its own.
func (q *Queue) killDownload(vodID string, done chan struct{}) {
	if q.procs.Kill(vodID) {
		return
	}
	if done == nil {
		return
	}
	go func() {
		select {
		case h := <-q.procs.Await(vodID):
			h.Kill()
		case <-done:
		}
	}()
}

// Restart manually pokes the loop.
func (q *Queue) Restart() Result {
	go q.ProcessLoop()
	return Result{Success: true, Message: "Download queue processing started"}
}

// ProcessLoop is the single-flight engine. Concurrent calls collapse
// into the one active loop; it runs until no eligible candidate
// remains.
func (q *Queue) ProcessLoop() {
	q.mu.Lock()
	if q.isProcessing {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.isProcessing = false
		q.currentDownload = ""
		q.mu.Unlock()
		q.broadcastStatus()
	}()

	for {
		vod, ok := q.nextCandidate()
		if !ok {
			log.Debugln("no eligible downloads")
			return
		}

		q.mu.Lock()
		q.currentDownload = vod.ID
		q.attemptDone = make(chan struct{})
		done := q.attemptDone
		q.mu.Unlock()

		now := time.Now()
		q.db.Model(&vods.Vod{}).Where("id = ?", vod.ID).Updates(map[string]interface{}{
			"download_status": vods.Downloading,
			"last_attempt_at": &now,
		})
		q.broadcastStatus()

		_, err := q.download(vod.ID)
		close(done)
		q.settle(&vod, err)

		q.mu.Lock()
		q.currentDownload = ""
		q.mu.Unlock()
	}
}

// nextCandidate picks the highest-priority eligible VOD: queued before
// paused before failed, then most recently created.
func (q *Queue) nextCandidate() (vods.Vod, bool) {
	var vod vods.Vod
	err := q.db.
		Where("download_status IN ?", []vods.DownloadStatus{
			vods.DownloadQueued, vods.DownloadPaused, vods.DownloadFailed,
		}).
		Where("retry_count < ?", q.maxRetries).
		Order(fmt.Sprintf("CASE download_status "+
			"WHEN '%s' THEN 0 WHEN '%s' THEN 1 WHEN '%s' THEN 2 END, created_at DESC",
			vods.DownloadQueued, vods.DownloadPaused, vods.DownloadFailed)).
		First(&vod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return vods.Vod{}, false
	}
	if err != nil {
		log.Errorln("candidate query failed:", err)
		return vods.Vod{}, false
	}
	return vod, true
}

// settle applies the outcome of one download attempt. Retry decisions
// live here, not in the worker.
func (q *Queue) settle(vod *vods.Vod, err error) {
	switch {
	case err == nil:
		// a pause or cancel can land after the tool finished but
		// before we get here; the canceller's status wins
		if current, gerr := vods.Get(q.db, vod.ID); gerr == nil &&
			(current.DownloadStatus == vods.DownloadPaused ||
				current.DownloadStatus == vods.DownloadCancelled) {
			log.Infof("download of %s finished but was marked '%s', leaving it", vod.ID, current.DownloadStatus)
			return
		}
		q.db.Model(&vods.Vod{}).Where("id = ?", vod.ID).Updates(map[string]interface{}{
			"download_status": vods.DownloadCompleted,
			"retry_count":     0,
			"error_message":   "",
		})
		q.chain(vod.ID)

	case errors.Is(err, faults.ErrCancelled):
		// pause/cancel already set the status it wanted; retry count
		// stays untouched
		log.Infoln("download of", vod.ID, "cancelled")

	case faults.IsConfiguration(err):
		// never auto-retried: exhaust the budget so the selector skips
		// it until a manual retry resets the count
		q.db.Model(&vods.Vod{}).Where("id = ?", vod.ID).Updates(map[string]interface{}{
			"download_status": vods.DownloadFailed,
			"retry_count":     q.maxRetries,
			"error_message":   err.Error(),
		})
		events.Broadcast("download_error", map[string]interface{}{
			"vodId":     vod.ID,
			"title":     vod.Title,
			"error":     err.Error(),
			"willRetry": false,
		})
		log.Errorln("configuration error downloading", vod.ID, ":", err)

	default:
		retryCount := vod.RetryCount + 1
		status := vods.DownloadQueued
		if retryCount >= q.maxRetries {
			status = vods.DownloadFailed
		}
		now := time.Now()
		q.db.Model(&vods.Vod{}).Where("id = ?", vod.ID).Updates(map[string]interface{}{
			"download_status": status,
			"retry_count":     retryCount,
			"error_message":   err.Error(),
			"last_attempt_at": &now,
		})
		events.Broadcast("download_error", map[string]interface{}{
			"vodId":      vod.ID,
			"title":      vod.Title,
			"error":      err.Error(),
			"retryCount": retryCount,
			"willRetry":  retryCount < q.maxRetries,
		})
		log.Errorf("failed to download VOD %s (attempt %d/%d): %v",
			vod.ID, retryCount, q.maxRetries, err)

		if retryCount < q.maxRetries {
			// don't spin-loop on a flapping failure
			time.Sleep(q.retryDelay)
		}
	}
}

// chain runs the configured follow-ups of a successful download.
// Failures here are logged only; the download stays successful.
func (q *Queue) chain(vodID string) {
	if !q.autoProcess || q.process == nil {
		return
	}
	if _, err := q.process(vodID); err != nil {
		log.Errorln("auto-process of", vodID, "failed:", err)
		return
	}
	if !q.autoPlaylist || q.rebuild == nil {
		return
	}
	if err := q.rebuild(); err != nil {
		log.Errorln("auto playlist rebuild failed:", err)
	}
}

// QueueStatus is the queue_status_update payload.
type QueueStatus struct {
	Queued          int64  `json:"queued"`
	Downloading     int64  `json:"downloading"`
	Failed          int64  `json:"failed"`
	CurrentDownload string `json:"currentDownload"`
	IsProcessing    bool   `json:"isProcessing"`
}

func (q *Queue) Status() QueueStatus {
	var s QueueStatus
	q.db.Model(&vods.Vod{}).Where("download_status = ?", vods.DownloadQueued).Count(&s.Queued)
	q.db.Model(&vods.Vod{}).Where("download_status = ?", vods.Downloading).Count(&s.Downloading)
	q.db.Model(&vods.Vod{}).Where("download_status = ?", vods.DownloadFailed).Count(&s.Failed)

	q.mu.Lock()
	s.CurrentDownload = q.currentDownload
	s.IsProcessing = q.isProcessing
	q.mu.Unlock()
	return s
}

func (q *Queue) broadcastStatus() {
	s := q.Status()
	events.Broadcast("queue_status_update", map[string]interface{}{
		"queued":          s.Queued,
		"downloading":     s.Downloading,
		"failed":          s.Failed,
		"currentDownload": s.CurrentDownload,
		"isProcessing":    s.IsProcessing,
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
