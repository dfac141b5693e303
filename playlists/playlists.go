// Package playlists maintains the ordered, duration-capped list of
// processed VODs that the continuity manager loops over.
package playlists

import (
	"time"

	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/vods"
)

// Entry is one playlist slot. Position is dense, zero-based, and the
// sole ordering key.
type Entry struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	VodID    string `gorm:"index"`
	Position int
	AddedAt  time.Time
}

func (Entry) TableName() string {
	return "playlist"
}

// Item is an entry joined with the fields the relay loop needs.
type Item struct {
	VodID             string
	Position          int
	Title             string
	DurationSeconds   int64
	ProcessedFilePath string
}

const DefaultCapHours = 48

// Rebuild destructively repacks the playlist: newest processed VODs
// first, greedily while the running total stays at or under the cap.
func Rebuild(db *gorm.DB, capSeconds int64) error {
	if capSeconds == 0 {
		capSeconds = DefaultCapHours * 3600
	}

	var processed []vods.Vod
	err := db.Where("process_status = ?", vods.ProcessCompleted).
		Order("created_at DESC").Find(&processed).Error
	if err != nil {
		return err
	}

	if len(processed) == 0 {
		log.Infoln("no processed VODs available for playlist")
		return nil
	}

	if err := db.Where("1 = 1").Delete(&Entry{}).Error; err != nil {
		return err
	}

	var totalDuration int64
	position := 0
	for _, vod := range processed {
		if totalDuration+vod.DurationSeconds > capSeconds {
			break
		}
		entry := Entry{VodID: vod.ID, Position: position, AddedAt: time.Now()}
		if err := db.Create(&entry).Error; err != nil {
			return err
		}
		totalDuration += vod.DurationSeconds
		position++
		log.Infof("added to playlist: %s (%s)", vod.Title, vods.FormatDuration(vod.DurationSeconds))

		if totalDuration >= capSeconds {
			break
		}
	}

	if err := clearDanglingResume(db); err != nil {
		return err
	}
	if err := vods.TouchPlaylistUpdated(db); err != nil {
		return err
	}

	log.Infof("playlist updated: %d VODs, total duration: %dh", position, totalDuration/3600)
	events.Broadcast("playlist_updated", map[string]interface{}{
		"vodCount":   position,
		"totalHours": totalDuration / 3600,
	})
	return nil
}

// Get returns the playlist in position order, joined with the VOD
// fields the relay needs.
func Get(db *gorm.DB) ([]Item, error) {
	var items []Item
	err := db.Model(&Entry{}).
		Select("playlist.vod_id, playlist.position, vods.title, vods.duration_seconds, vods.processed_file_path").
		Joins("JOIN vods ON vods.id = playlist.vod_id").
		Order("playlist.position").
		Scan(&items).Error
	return items, err
}

func Contains(db *gorm.DB, vodID string) (bool, error) {
	var count int64
	err := db.Model(&Entry{}).Where("vod_id = ?", vodID).Count(&count).Error
	return count > 0, err
}

// Add appends one processed VOD at the end, rejecting the append if it
// would push the total past the cap. The existing playlist is left
// untouched on rejection.
func Add(db *gorm.DB, vodID string, capSeconds int64) error {
	if capSeconds == 0 {
		capSeconds = DefaultCapHours * 3600
	}

	vod, err := vods.Get(db, vodID)
	if err != nil {
		return err
	}
	if vod.ProcessStatus != vods.ProcessCompleted {
		return &faults.InvalidStateError{Op: "add to playlist", Status: string(vod.ProcessStatus)}
	}

	in, err := Contains(db, vodID)
	if err != nil {
		return err
	}
	if in {
		return nil
	}

	items, err := Get(db)
	if err != nil {
		return err
	}
	var totalDuration int64
	for _, item := range items {
		totalDuration += item.DurationSeconds
	}

	if totalDuration+vod.DurationSeconds > capSeconds {
		return &faults.CapacityExceededError{
			CurrentSeconds: totalDuration,
			AddSeconds:     vod.DurationSeconds,
			CapSeconds:     capSeconds,
		}
	}

	entry := Entry{VodID: vodID, Position: len(items), AddedAt: time.Now()}
	if err := db.Create(&entry).Error; err != nil {
		return err
	}
	if err := vods.TouchPlaylistUpdated(db); err != nil {
		return err
	}

	events.Broadcast("playlist_updated", map[string]interface{}{
		"vodCount":   len(items) + 1,
		"totalHours": (totalDuration + vod.DurationSeconds) / 3600,
	})
	return nil
}

// Remove deletes one entry and renumbers the rest so positions stay
// contiguous 0..n-1.
func Remove(db *gorm.DB, vodID string) error {
	in, err := Contains(db, vodID)
	if err != nil {
		return err
	}
	if !in {
		return nil
	}

	if err := db.Where("vod_id = ?", vodID).Delete(&Entry{}).Error; err != nil {
		return err
	}

	var remaining []Entry
	if err := db.Order("position").Find(&remaining).Error; err != nil {
		return err
	}
	for i, entry := range remaining {
		if entry.Position == i {
			continue
		}
		err := db.Model(&Entry{}).Where("id = ?", entry.ID).Update("position", i).Error
		if err != nil {
			return err
		}
	}

	if err := clearDanglingResume(db); err != nil {
		return err
	}
	if err := vods.TouchPlaylistUpdated(db); err != nil {
		return err
	}

	events.Broadcast("playlist_updated", map[string]interface{}{
		"vodCount": len(remaining),
	})
	return nil
}

// clearDanglingResume drops the stored resume pointer when the VOD it
// referenced is no longer in the playlist.
func clearDanglingResume(db *gorm.DB) error {
	state, err := vods.GetStreamState(db)
	if err != nil {
		return err
	}
	if state.LastVodID == "" {
		return nil
	}
	in, err := Contains(db, state.LastVodID)
	if err != nil {
		return err
	}
	if in {
		return nil
	}
	return db.Model(&vods.StreamState{}).Where("id = ?", 1).Updates(map[string]interface{}{
		"last_vod_id":    "",
		"last_vod_index": nil,
	}).Error
}
