// Package scheduler periodically scans the upstream catalog and
// inserts new VOD records for the queue to pick up.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/twitch"
	"github.com/sandeep1995/doublelift/vods"
)

var log *logrus.Logger

func Init(logger *logrus.Logger) error {
	log = logger.WithFields(logrus.Fields{
		"component": "scheduler",
	}).Logger
	return nil
}

type Scanner struct {
	db        *gorm.DB
	client    *twitch.Client
	channelID string
	channel   string
	daysBack  int
	cron      *cron.Cron
}

func New(db *gorm.DB, client *twitch.Client, channelID, channel string, daysBack int) *Scanner {
	return &Scanner{
		db:        db,
		client:    client,
		channelID: channelID,
		channel:   channel,
		daysBack:  daysBack,
	}
}

// Start schedules scans with the given crontab expression and kicks
// off an initial scan shortly after boot.
func (s *Scanner) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		log.Infoln("running scheduled VOD scan")
		s.Scan()
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Infoln("scheduler started with schedule:", schedule)

	go func() {
		time.Sleep(5 * time.Second)
		log.Infoln("running initial VOD scan")
		s.Scan()
	}()
	return nil
}

func (s *Scanner) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Scan inserts catalog entries this database has not seen yet,
// including their mute hints, and stamps last_scan_at.
func (s *Scanner) Scan() error {
	events.Broadcast("scan_start", nil)

	channelID := s.channelID
	if channelID == "" {
		var err error
		channelID, err = s.client.GetChannelID(twitch.NormalizeLogin(s.channel))
		if err != nil {
			s.scanFailed(err)
			return err
		}
	}
	log.Infoln("scanning VODs for channel ID:", channelID)

	videos, err := s.client.GetRecentVods(channelID, s.daysBack)
	if err != nil {
		s.scanFailed(err)
		return err
	}
	log.Infof("found %d VODs from last %d days", len(videos), s.daysBack)

	newCount := 0
	for _, video := range videos {
		var existing vods.Vod
		err := s.db.Select("id").First(&existing, "id = ?", video.ID).Error
		if err == nil {
			continue
		}

		segments := video.MutedSegments
		if segments == nil {
			segments = s.client.GetMutedSegments(video.ID)
		}

		seconds, err := vods.ParseDuration(video.Duration)
		if err != nil {
			log.Warnf("unparseable duration %q for VOD %s", video.Duration, video.ID)
		}

		vod := vods.Vod{
			ID:              video.ID,
			Title:           video.Title,
			URL:             video.URL,
			DurationSeconds: seconds,
			CreatedAt:       video.CreatedAt,
			DownloadStatus:  vods.DownloadPending,
			ProcessStatus:   vods.ProcessPending,
			MutedSegments:   segments,
		}
		if err := s.db.Create(&vod).Error; err != nil {
			log.Errorln("failed to insert VOD", video.ID, ":", err)
			continue
		}
		log.Infof("added new VOD: %s (%s)", video.Title, video.ID)
		newCount++
	}

	now := time.Now()
	s.db.Model(&vods.StreamState{}).Where("id = ?", 1).Update("last_scan_at", &now)

	events.Broadcast("scan_complete", map[string]interface{}{
		"totalVods": len(videos),
		"newVods":   newCount,
	})
	log.Infof("scan complete: %d new VODs added", newCount)
	return nil
}

func (s *Scanner) scanFailed(err error) {
	log.Errorln("error during VOD scan:", err)
	events.Broadcast("scan_error", map[string]interface{}{"error": err.Error()})
}
