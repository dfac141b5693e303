package vods

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/faults"
)

// Get loads one record by id, mapping gorm's not-found to faults.
func Get(db *gorm.DB, id string) (Vod, error) {
	var vod Vod
	err := db.First(&vod, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Vod{}, &faults.NotFoundError{ID: id}
	}
	return vod, err
}

func SetDownloadStatus(db *gorm.DB, id string, status DownloadStatus) error {
	log.Debugln("vod", id, "download status ->", status)
	return db.Model(&Vod{}).Where("id = ?", id).Update("download_status", status).Error
}

func SetProcessStatus(db *gorm.DB, id string, status ProcessStatus) error {
	log.Debugln("vod", id, "process status ->", status)
	return db.Model(&Vod{}).Where("id = ?", id).Update("process_status", status).Error
}

// GetStreamState returns the singleton row, creating it on first use.
func GetStreamState(db *gorm.DB) (StreamState, error) {
	var state StreamState
	err := db.First(&state, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = StreamState{ID: 1}
		err = db.Create(&state).Error
	}
	return state, err
}

func TouchPlaylistUpdated(db *gorm.DB) error {
	now := time.Now()
	return db.Model(&StreamState{}).Where("id = ?", 1).
		Update("playlist_updated_at", &now).Error
}

// Delete removes a record and its playlist membership. Used by the
// history-clear operation only.
func Delete(db *gorm.DB, id string) error {
	if err := db.Exec("DELETE FROM playlist WHERE vod_id = ?", id).Error; err != nil {
		return err
	}
	return db.Delete(&Vod{}, "id = ?", id).Error
}
