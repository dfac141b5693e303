package vods

import (
	"time"
)

type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadQueued    DownloadStatus = "queued"
	Downloading       DownloadStatus = "downloading"
	DownloadPaused    DownloadStatus = "paused"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
	DownloadCancelled DownloadStatus = "cancelled"
)

type ProcessStatus string

const (
	ProcessPending   ProcessStatus = "pending"
	Processing       ProcessStatus = "processing"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
)

// a muted region of the source VOD, in seconds from the start
type MutedSegment struct {
	Offset   float64 `json:"offset"`
	Duration float64 `json:"duration"`
}

// Vod is one tracked recording. The ID is the upstream VOD id and is
// opaque to everything in this repo.
type Vod struct {
	ID              string `gorm:"primaryKey"`
	Title           string
	URL             string
	DurationSeconds int64
	CreatedAt       time.Time

	DownloadStatus   DownloadStatus `gorm:"default:pending"`
	DownloadProgress float64
	FilePath         string
	RetryCount       int
	LastAttemptAt    *time.Time
	ErrorMessage     string

	ProcessStatus     ProcessStatus `gorm:"default:pending"`
	ProcessProgress   float64
	ProcessedFilePath string
	MutedSegments     []MutedSegment `gorm:"serializer:json"`
}

func (v *Vod) Duration() time.Duration {
	return time.Duration(v.DurationSeconds) * time.Second
}

// StreamState is the singleton relay-state row (id = 1).
type StreamState struct {
	ID                  uint `gorm:"primaryKey"`
	IsStreaming         bool
	CurrentVodID        string
	StreamStartedAt     *time.Time
	CurrentVodStartedAt *time.Time
	LastVodID           string
	LastVodIndex        *int
	LastScanAt          *time.Time
	PlaylistUpdatedAt   *time.Time
}

func (StreamState) TableName() string {
	return "stream_state"
}
