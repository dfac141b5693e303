// Package stream drives the unending relay loop: it walks the
// playlist, re-transmits each processed file to the live destination,
// and survives both relay failures and process restarts.
package stream

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/ffmpeg"
	"github.com/sandeep1995/doublelift/playlists"
	"github.com/sandeep1995/doublelift/proc"
	"github.com/sandeep1995/doublelift/vods"
)

// RelaySlot is the registry key for the single active relay
// subprocess.
const RelaySlot = "stream"

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// relayProc is what the loop needs from a running relay; *proc.Handle
// satisfies it, tests inject fakes.
type relayProc interface {
	Wait() proc.Result
	Kill()
}

// Options wires the manager. StartRelay is injectable for tests; the
// default spawns ffmpeg against the configured RTMP destination.
type Options struct {
	RTMPURL         string
	StreamKey       func() string
	StartRelay      func(path string) (relayProc, error)
	VodGap          time.Duration // pause between VODs
	ErrorRetryDelay time.Duration // delay before skipping a failing VOD
}

type Manager struct {
	db    *gorm.DB
	procs *proc.Registry

	rtmpURL         string
	streamKey       func() string
	startRelay      func(path string) (relayProc, error)
	vodGap          time.Duration
	errorRetryDelay time.Duration

	mu           sync.Mutex
	isStreaming  bool
	isStopping   bool
	currentIndex int
	playlist     []playlists.Item
	current      relayProc
}

func New(db *gorm.DB, procs *proc.Registry, opts Options) *Manager {
	if opts.VodGap == 0 {
		opts.VodGap = time.Second
	}
	if opts.ErrorRetryDelay == 0 {
		opts.ErrorRetryDelay = 5 * time.Second
	}
	if opts.StreamKey == nil {
		opts.StreamKey = func() string { return "" }
	}
	m := &Manager{
		db:              db,
		procs:           procs,
		rtmpURL:         opts.RTMPURL,
		streamKey:       opts.StreamKey,
		startRelay:      opts.StartRelay,
		vodGap:          opts.VodGap,
		errorRetryDelay: opts.ErrorRetryDelay,
	}
	if m.startRelay == nil {
		m.startRelay = m.spawnRelay
	}
	return m
}

// ResetStuck clears a persisted is_streaming flag that survived a
// restart no relay could have survived, snapshotting the last-known
// position for resume. Run once at startup.
func (m *Manager) ResetStuck() error {
	state, err := vods.GetStreamState(m.db)
	if err != nil {
		return err
	}

	m.mu.Lock()
	streaming := m.isStreaming
	m.mu.Unlock()

	if !state.IsStreaming || streaming {
		return nil
	}

	log.Infoln("resetting stuck stream state from previous session")
	return m.db.Model(&vods.StreamState{}).Where("id = ?", 1).Updates(map[string]interface{}{
		"is_streaming":           false,
		"current_vod_id":         "",
		"stream_started_at":      nil,
		"current_vod_started_at": nil,
		"last_vod_id":            state.CurrentVodID,
	}).Error
}

// StartOptions selects where in the playlist the loop begins, in
// priority order: Resume, then FromVodID, then FromIndex, then 0.
type StartOptions struct {
	Resume    bool
	FromVodID string
	FromIndex *int
}

func (m *Manager) Start(opts StartOptions) (Result, error) {
	m.mu.Lock()
	if m.isStreaming {
		m.mu.Unlock()
		return Result{Success: false, Message: "Stream already running"}, nil
	}
	m.mu.Unlock()

	playlist, err := playlists.Get(m.db)
	if err != nil {
		return Result{}, err
	}
	if len(playlist) == 0 {
		return Result{Success: false, Message: "No VODs in playlist"}, nil
	}

	if m.streamKey() == "" {
		return Result{Success: false, Message: "TWITCH_RERUN_STREAM_KEY not configured"}, nil
	}

	state, err := vods.GetStreamState(m.db)
	if err != nil {
		return Result{}, err
	}

	startIndex := 0
	switch {
	case opts.Resume && state.LastVodID != "":
		if idx, ok := indexOf(playlist, state.LastVodID); ok {
			startIndex = idx
		} else if state.LastVodIndex != nil {
			// the VOD is gone; fall back to the raw index, clamped
			startIndex = clamp(*state.LastVodIndex, len(playlist))
		}
	case opts.FromVodID != "":
		idx, ok := indexOf(playlist, opts.FromVodID)
		if !ok {
			return Result{Success: false, Message: "VOD not found in playlist"}, nil
		}
		startIndex = idx
	case opts.FromIndex != nil:
		if *opts.FromIndex < 0 || *opts.FromIndex >= len(playlist) {
			return Result{Success: false, Message: "Invalid index"}, nil
		}
		startIndex = *opts.FromIndex
	}

	m.mu.Lock()
	m.isStreaming = true
	m.isStopping = false
	m.playlist = playlist
	m.currentIndex = startIndex
	m.mu.Unlock()

	now := time.Now()
	err = m.db.Model(&vods.StreamState{}).Where("id = ?", 1).Updates(map[string]interface{}{
		"is_streaming":      true,
		"stream_started_at": &now,
	}).Error
	if err != nil {
		return Result{}, err
	}

	events.Broadcast("stream_start", map[string]interface{}{
		"vodCount":   len(playlist),
		"startIndex": startIndex,
		"resumed":    opts.Resume,
	})
	m.broadcastStatus()

	go m.loop()

	msg := "Stream started"
	if opts.Resume {
		msg = fmt.Sprintf("Stream resumed from position %d", startIndex+1)
	}
	return Result{Success: true, Message: msg}, nil
}

// Stop kills the active relay, persists the stopped state, and
// snapshots the current position for a later resume.
func (m *Manager) Stop() (Result, error) {
	m.mu.Lock()
	if !m.isStreaming {
		m.mu.Unlock()
		return Result{Success: false, Message: "Stream not running"}, nil
	}
	m.isStopping = true
	m.isStreaming = false
	currentIndex := m.currentIndex
	currentVodID := m.currentVodIDLocked()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil {
		current.Kill()
	}

	err := m.db.Model(&vods.StreamState{}).Where("id = ?", 1).Updates(map[string]interface{}{
		"is_streaming":           false,
		"current_vod_id":         "",
		"stream_started_at":      nil,
		"current_vod_started_at": nil,
		"last_vod_index":         currentIndex,
		"last_vod_id":            currentVodID,
	}).Error
	if err != nil {
		return Result{}, err
	}

	events.Broadcast("stream_stop", map[string]interface{}{
		"lastPosition": currentIndex + 1,
		"lastVodId":    currentVodID,
	})
	m.broadcastStatus()

	return Result{
		Success: true,
		Message: "Stream stopped",
	}, nil
}

// SkipToNext advances the in-memory index first, then kills the
// current relay; the loop respawns at the already-updated index
// rather than treating the kill as a normal end.
func (m *Manager) SkipToNext() (Result, error) {
	m.mu.Lock()
	if !m.isStreaming {
		m.mu.Unlock()
		return Result{Success: false, Message: "Stream not running"}, nil
	}
	if len(m.playlist) > 0 {
		m.currentIndex = (m.currentIndex + 1) % len(m.playlist)
	}
	current := m.current
	m.mu.Unlock()

	if current != nil {
		current.Kill()
	}
	return Result{Success: true, Message: "Skipping to next VOD"}, nil
}

func (m *Manager) SkipToVod(vodID string) (Result, error) {
	m.mu.Lock()
	if !m.isStreaming {
		m.mu.Unlock()
		return Result{Success: false, Message: "Stream not running"}, nil
	}
	idx, ok := indexOf(m.playlist, vodID)
	if !ok {
		m.mu.Unlock()
		return Result{Success: false, Message: "VOD not found in playlist"}, nil
	}
	m.currentIndex = idx
	current := m.current
	m.mu.Unlock()

	if current != nil {
		current.Kill()
	}
	return Result{Success: true, Message: fmt.Sprintf("Skipping to VOD at position %d", idx+1)}, nil
}

// ReloadPlaylist swaps the in-memory playlist without stopping the
// stream. If the playing VOD vanished from the new playlist the relay
// is killed so the loop advances.
func (m *Manager) ReloadPlaylist() (Result, error) {
	m.mu.Lock()
	if !m.isStreaming {
		m.mu.Unlock()
		return Result{Success: false, Message: "Stream not running"}, nil
	}
	m.mu.Unlock()

	newPlaylist, err := playlists.Get(m.db)
	if err != nil {
		return Result{}, err
	}
	if len(newPlaylist) == 0 {
		return Result{Success: false, Message: "New playlist is empty"}, nil
	}

	m.mu.Lock()
	currentVodID := m.currentVodIDLocked()
	m.playlist = newPlaylist
	idx, stillThere := indexOf(newPlaylist, currentVodID)
	if stillThere {
		m.currentIndex = idx
	}
	current := m.current
	m.mu.Unlock()

	if !stillThere && current != nil {
		current.Kill()
	}
	return Result{Success: true, Message: "Playlist reloaded"}, nil
}

// loop is the relay loop body; one iteration per VOD. It exits only
// via stop (external or fatal).
func (m *Manager) loop() {
	skipCount := 0
	for {
		m.mu.Lock()
		if !m.isStreaming || m.isStopping {
			m.mu.Unlock()
			return
		}
		if len(m.playlist) == 0 {
			m.mu.Unlock()
			m.fatalStop("playlist is empty")
			return
		}
		if skipCount >= len(m.playlist) {
			m.mu.Unlock()
			m.fatalStop("no playable VODs found in playlist")
			return
		}
		if m.currentIndex >= len(m.playlist) {
			m.currentIndex = 0
		}
		item := m.playlist[m.currentIndex]
		m.mu.Unlock()

		if item.ProcessedFilePath == "" || !fileExists(item.ProcessedFilePath) {
			log.Errorf("VOD %s has no playable file, skipping", item.VodID)
			m.mu.Lock()
			m.currentIndex++
			m.mu.Unlock()
			skipCount++
			time.Sleep(100 * time.Millisecond)
			continue
		}
		skipCount = 0

		now := time.Now()
		m.db.Model(&vods.StreamState{}).Where("id = ?", 1).Updates(map[string]interface{}{
			"current_vod_id":         item.VodID,
			"current_vod_started_at": &now,
		})

		log.Infoln("streaming:", item.Title)
		events.Broadcast("stream_vod_change", map[string]interface{}{
			"vodId":     item.VodID,
			"title":     item.Title,
			"position":  item.Position + 1,
			"total":     len(m.playlist),
			"duration":  vods.FormatDuration(item.DurationSeconds),
			"startedAt": now.Format(time.RFC3339),
		})
		m.broadcastStatus()

		relay, err := m.startRelay(item.ProcessedFilePath)
		if err != nil {
			// missing relay tool or destination; nothing will ever play
			m.fatalStop(err.Error())
			return
		}

		m.mu.Lock()
		m.current = relay
		m.mu.Unlock()

		res := relay.Wait()

		m.mu.Lock()
		m.current = nil
		stopping := m.isStopping
		streaming := m.isStreaming
		m.mu.Unlock()
		m.procs.Remove(RelaySlot)

		if !streaming || stopping {
			return
		}

		switch {
		case res.ExitCode == 0:
			// normal end: advance with wraparound, brief gap
			log.Infoln("finished streaming:", item.Title)
			m.mu.Lock()
			m.currentIndex++
			m.mu.Unlock()
			m.db.Model(&vods.StreamState{}).Where("id = ?", 1).Updates(map[string]interface{}{
				"current_vod_id":         "",
				"current_vod_started_at": nil,
			})
			m.broadcastStatus()
			time.Sleep(m.vodGap)

		case res.Cancelled():
			// an intentional kill (skip or reload) already set the
			// index it wants; spawn there without advancing

		default:
			log.Errorf("streaming error (exit %d)", res.ExitCode)
			events.Broadcast("stream_error", map[string]interface{}{
				"error": fmt.Sprintf("relay exited with code %d", res.ExitCode),
			})
			time.Sleep(m.errorRetryDelay)
			// skip the offending VOD rather than abort the stream
			m.mu.Lock()
			m.currentIndex++
			m.mu.Unlock()
		}
	}
}

func (m *Manager) fatalStop(reason string) {
	log.Errorln("stopping stream:", reason)
	events.Broadcast("stream_error", map[string]interface{}{"error": reason, "fatal": true})
	m.Stop()
}

// spawnRelay is the default StartRelay: ffmpeg pushing the file to the
// RTMP destination, registered under the stream slot so skip/stop on
// other request paths can find it.
func (m *Manager) spawnRelay(path string) (relayProc, error) {
	target := fmt.Sprintf("%s/%s", m.rtmpURL, m.streamKey())
	handle, err := proc.Start("ffmpeg", ffmpeg.RelayArgs(path, target), "")
	if err != nil {
		return nil, err
	}
	m.procs.Put(RelaySlot, handle)
	go m.followRelay(handle)
	return handle, nil
}

// followRelay re-broadcasts progress while a relay runs, recomputing
// elapsed times from the persisted timestamps. Throttled to once per
// second by the timemark cadence of ffmpeg's stats lines.
func (m *Manager) followRelay(handle *proc.Handle) {
	var lastFlush time.Time
	for line := range handle.Lines() {
		timemark, ok := parseTimemark(line)
		if !ok || time.Since(lastFlush) < time.Second {
			continue
		}
		lastFlush = time.Now()

		state, err := vods.GetStreamState(m.db)
		if err != nil {
			continue
		}
		events.Broadcast("stream_progress", map[string]interface{}{
			"vodId":         state.CurrentVodID,
			"currentTime":   timemark,
			"streamElapsed": elapsedSeconds(state.StreamStartedAt),
			"vodElapsed":    elapsedSeconds(state.CurrentVodStartedAt),
		})
	}
}

func (m *Manager) currentVodIDLocked() string {
	if m.currentIndex >= 0 && m.currentIndex < len(m.playlist) {
		return m.playlist[m.currentIndex].VodID
	}
	return ""
}

func indexOf(playlist []playlists.Item, vodID string) (int, bool) {
	if vodID == "" {
		return 0, false
	}
	for i, item := range playlist {
		if item.VodID == vodID {
			return i, true
		}
	}
	return 0, false
}

func clamp(idx, length int) int {
	if idx < 0 {
		return 0
	}
	if idx > length-1 {
		return length - 1
	}
	return idx
}

func elapsedSeconds(since *time.Time) int64 {
	if since == nil {
		return 0
	}
	return int64(time.Since(*since).Seconds())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
