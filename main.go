package main

import (
	golog "log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandeep1995/doublelift/config"
	"github.com/sandeep1995/doublelift/database"
	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/ffmpeg"
	"github.com/sandeep1995/doublelift/handlers"
	"github.com/sandeep1995/doublelift/playlists"
	"github.com/sandeep1995/doublelift/proc"
	"github.com/sandeep1995/doublelift/queue"
	"github.com/sandeep1995/doublelift/scheduler"
	"github.com/sandeep1995/doublelift/stream"
	"github.com/sandeep1995/doublelift/twitch"
	"github.com/sandeep1995/doublelift/vods"
	"github.com/sandeep1995/doublelift/ytdlp"
)

var db *gorm.DB

func main() {

	godotenv.Load()

	initLogger()

	vods.Init(log)
	proc.Init(log)
	events.Init(log)
	ffmpeg.Init(log)
	ytdlp.Init(log)
	queue.Init(log)
	playlists.Init(log)
	stream.Init(log)
	twitch.Init(log)
	scheduler.Init(log)
	handlers.Init(log)

	gormLogger := logger.New(
		golog.New(os.Stdout, "\r\n", golog.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	dbPath := config.GetDatabasePath()
	err := os.MkdirAll(filepath.Dir(dbPath), 0700)
	if err != nil {
		log.Panicf("failed to create data dir for %s", dbPath)
	}

	db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Panicf("failed to connect to database %s", dbPath)
	}

	// set only a single connection so we don't actually have concurrent writes
	sqlDB, err := db.DB()
	if err != nil {
		log.Panicln("failed to retrieve database")
	}
	sqlDB.SetMaxOpenConns(1)

	// Migrate the schema
	db.AutoMigrate(&vods.Vod{}, &vods.StreamState{}, &playlists.Entry{})

	database.Init(db, log)
	defer database.Fini()

	procs := proc.NewRegistry()

	downloader := ytdlp.NewDownloader(db, procs, config.GetVodStorageDir())
	processor := ffmpeg.NewProcessor(db, procs, config.GetProcessedStorageDir(), ffmpeg.Options{
		SilenceNoise:    config.GetSilenceNoise(),
		MinMuteSeconds:  config.GetMinMuteSeconds(),
		MergeGapSeconds: config.GetMuteMergeGapSeconds(),
		MinKeepSeconds:  config.GetMinKeepSeconds(),
	})

	capSeconds := int64(config.GetPlaylistCapHours()) * 3600

	q := queue.New(db, procs, queue.Options{
		MaxRetries:   config.GetMaxRetries(),
		RetryDelay:   config.GetRetryDelay(),
		AutoProcess:  config.GetAutoProcess(),
		AutoPlaylist: config.GetAutoPlaylist(),
		Download:     downloader.Download,
		Process:      processor.Process,
		RebuildPlaylist: func() error {
			return playlists.Rebuild(db, capSeconds)
		},
	})

	sm := stream.New(db, procs, stream.Options{
		RTMPURL:   config.GetRTMPURL(),
		StreamKey: config.GetStreamKey,
	})

	// reconcile persisted state against the restart before anything runs
	if err := ffmpeg.CleanupOrphans(config.GetProcessedStorageDir()); err != nil {
		log.Errorln("orphan cleanup failed:", err)
	}
	if err := q.ResetStuck(); err != nil {
		log.Panicln("download recovery failed:", err)
	}
	if err := sm.ResetStuck(); err != nil {
		log.Panicln("stream recovery failed:", err)
	}

	client, err := twitch.New(twitch.Options{
		ClientID:     mustEnv(config.GetTwitchClientID),
		ClientSecret: mustEnv(config.GetTwitchClientSecret),
	})
	if err != nil {
		log.Panicln(err)
	}

	scanner := scheduler.New(db, client,
		config.GetTwitchChannelID(), config.GetTwitchChannel(), config.GetScanDaysBack())
	if err := scanner.Start(config.GetScanSchedule()); err != nil {
		log.Panicln("failed to start scheduler:", err)
	}
	defer scanner.Stop()

	// pick up work that was queued before the restart
	q.Restart()

	// Initialize Echo
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	handlers.Register(e, handlers.Deps{
		DB:         database.Get(),
		Queue:      q,
		Stream:     sm,
		Processor:  processor,
		Scanner:    scanner,
		CapSeconds: capSeconds,
	})

	// Start server
	e.Logger.Fatal(e.Start(config.GetListenAddr()))
}

func mustEnv(get func() (string, error)) string {
	value, err := get()
	if err != nil {
		log.Panicln(err)
	}
	return value
}
