package stream

import (
	"regexp"
	"time"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/playlists"
	"github.com/sandeep1995/doublelift/vods"
)

// Status is the stream_status_update payload: the persisted state
// joined with whatever the playlist and records can add.
type Status struct {
	IsStreaming        bool       `json:"isStreaming"`
	CurrentVodID       string     `json:"currentVodId"`
	StreamElapsed      int64      `json:"streamElapsed"`
	VodElapsed         int64      `json:"vodElapsed"`
	CurrentVodTitle    string     `json:"currentVodTitle"`
	CurrentVodPosition int        `json:"currentVodPosition"`
	CurrentVodTotal    int        `json:"currentVodTotal"`
	CurrentVodDuration string     `json:"currentVodDuration"`
	LastVodID          string     `json:"lastVodId"`
	LastVodIndex       *int       `json:"lastVodIndex"`
	LastVodTitle       string     `json:"lastVodTitle"`
	LastScanAt         *time.Time `json:"lastScan"`
	PlaylistUpdatedAt  *time.Time `json:"playlistUpdated"`
}

func (m *Manager) GetStatus() (Status, error) {
	state, err := vods.GetStreamState(m.db)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		IsStreaming:       state.IsStreaming,
		CurrentVodID:      state.CurrentVodID,
		LastVodID:         state.LastVodID,
		LastVodIndex:      state.LastVodIndex,
		LastScanAt:        state.LastScanAt,
		PlaylistUpdatedAt: state.PlaylistUpdatedAt,
	}

	if state.IsStreaming {
		status.StreamElapsed = elapsedSeconds(state.StreamStartedAt)

		if state.CurrentVodID != "" {
			status.VodElapsed = elapsedSeconds(state.CurrentVodStartedAt)

			if vod, err := vods.Get(m.db, state.CurrentVodID); err == nil {
				status.CurrentVodTitle = vod.Title
				status.CurrentVodDuration = vods.FormatDuration(vod.DurationSeconds)
			}
			if playlist, err := playlists.Get(m.db); err == nil {
				if idx, ok := indexOf(playlist, state.CurrentVodID); ok {
					status.CurrentVodPosition = idx + 1
					status.CurrentVodTotal = len(playlist)
				}
			}
		}
	} else if state.LastVodID != "" {
		if vod, err := vods.Get(m.db, state.LastVodID); err == nil {
			status.LastVodTitle = vod.Title
		}
	}

	return status, nil
}

func (m *Manager) broadcastStatus() {
	status, err := m.GetStatus()
	if err != nil {
		log.Errorln("couldn't build stream status:", err)
		return
	}
	events.Broadcast("stream_status_update", map[string]interface{}{
		"isStreaming":        status.IsStreaming,
		"currentVodId":       status.CurrentVodID,
		"streamElapsed":      status.StreamElapsed,
		"vodElapsed":         status.VodElapsed,
		"currentVodTitle":    status.CurrentVodTitle,
		"currentVodPosition": status.CurrentVodPosition,
		"currentVodTotal":    status.CurrentVodTotal,
		"currentVodDuration": status.CurrentVodDuration,
		"lastVodId":          status.LastVodID,
		"lastVodIndex":       status.LastVodIndex,
		"lastVodTitle":       status.LastVodTitle,
	})
}

// ffmpeg stats lines look like:
// frame=  123 fps= 25 q=28.0 size=    1024kB time=00:12:34.56 bitrate=...
var timemarkPattern = regexp.MustCompile(`time=(\d+:\d{2}:\d{2}(?:\.\d+)?)`)

func parseTimemark(line string) (string, bool) {
	m := timemarkPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}
