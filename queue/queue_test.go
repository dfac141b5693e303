package queue

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/proc"
	"github.com/sandeep1995/doublelift/vods"
)

func TestMain(m *testing.M) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	Init(l)
	vods.Init(l)
	proc.Init(l)
	os.Exit(m.Run())
}

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&vods.Vod{}, &vods.StreamState{}))
	return db
}

func addVod(t *testing.T, db *gorm.DB, id string, createdAt time.Time, status vods.DownloadStatus, retries int) {
	t.Helper()
	require.NoError(t, db.Create(&vods.Vod{
		ID:             id,
		Title:          "vod " + id,
		CreatedAt:      createdAt,
		DownloadStatus: status,
		RetryCount:     retries,
	}).Error)
}

func getVod(t *testing.T, db *gorm.DB, id string) vods.Vod {
	t.Helper()
	vod, err := vods.Get(db, id)
	require.NoError(t, err)
	return vod
}

func waitForStatus(t *testing.T, db *gorm.DB, id string, want vods.DownloadStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return getVod(t, db, id).DownloadStatus == want
	}, 5*time.Second, 5*time.Millisecond, "vod %s never reached %s", id, want)
}

func waitForIdle(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !q.Status().IsProcessing
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNextCandidateOrdering(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// a failed VOD is newest but queued outranks paused outranks failed
	addVod(t, db, "failed-new", base.Add(3*time.Hour), vods.DownloadFailed, 1)
	addVod(t, db, "paused-mid", base.Add(2*time.Hour), vods.DownloadPaused, 0)
	addVod(t, db, "queued-old", base, vods.DownloadQueued, 0)
	addVod(t, db, "queued-new", base.Add(time.Hour), vods.DownloadQueued, 0)

	q := New(db, proc.NewRegistry(), Options{})

	vod, ok := q.nextCandidate()
	require.True(t, ok)
	require.Equal(t, "queued-new", vod.ID)

	require.NoError(t, vods.SetDownloadStatus(db, "queued-new", vods.DownloadCompleted))
	vod, ok = q.nextCandidate()
	require.True(t, ok)
	require.Equal(t, "queued-old", vod.ID)

	require.NoError(t, vods.SetDownloadStatus(db, "queued-old", vods.DownloadCompleted))
	vod, ok = q.nextCandidate()
	require.True(t, ok)
	require.Equal(t, "paused-mid", vod.ID)

	require.NoError(t, vods.SetDownloadStatus(db, "paused-mid", vods.DownloadCompleted))
	vod, ok = q.nextCandidate()
	require.True(t, ok)
	require.Equal(t, "failed-new", vod.ID)
}

func TestNextCandidateSkipsExhaustedRetries(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "spent", time.Now(), vods.DownloadFailed, 3)

	q := New(db, proc.NewRegistry(), Options{MaxRetries: 3})
	_, ok := q.nextCandidate()
	require.False(t, ok)
}

func TestProcessLoopIsSingleFlight(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	addVod(t, db, "v1", base.Add(time.Hour), vods.DownloadQueued, 0)
	addVod(t, db, "v2", base, vods.DownloadQueued, 0)

	var active, maxActive int32
	release := make(chan struct{})
	q := New(db, proc.NewRegistry(), Options{
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			<-release
			atomic.AddInt32(&active, -1)
			return "", nil
		},
	})

	q.Restart()
	q.Restart()
	q.Restart()

	require.Eventually(t, func() bool {
		return q.Status().IsProcessing
	}, time.Second, time.Millisecond)
	close(release)

	waitForStatus(t, db, "v1", vods.DownloadCompleted)
	waitForStatus(t, db, "v2", vods.DownloadCompleted)
	waitForIdle(t, q)

	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	require.Equal(t, 0, getVod(t, db, "v1").RetryCount)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	var attempts int32
	q := New(db, proc.NewRegistry(), Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", errors.New("network flake")
		},
	})

	q.Restart()
	waitForStatus(t, db, "v1", vods.DownloadFailed)
	waitForIdle(t, q)

	vod := getVod(t, db, "v1")
	require.Equal(t, 3, vod.RetryCount)
	require.Equal(t, "network flake", vod.ErrorMessage)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestManualRetryResetsBudget(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	var fail atomic.Bool
	fail.Store(true)
	q := New(db, proc.NewRegistry(), Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			if fail.Load() {
				return "", errors.New("network flake")
			}
			return "", nil
		},
	})

	q.Restart()
	waitForStatus(t, db, "v1", vods.DownloadFailed)
	waitForIdle(t, q)

	fail.Store(false)
	res, err := q.Retry("v1")
	require.NoError(t, err)
	require.True(t, res.Success)

	waitForStatus(t, db, "v1", vods.DownloadCompleted)
	vod := getVod(t, db, "v1")
	require.Equal(t, 0, vod.RetryCount)
	require.Empty(t, vod.ErrorMessage)
}

func TestConfigurationErrorIsNotRetried(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	var attempts int32
	q := New(db, proc.NewRegistry(), Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", &faults.ConfigurationError{Missing: "yt-dlp not found in PATH"}
		},
	})

	q.Restart()
	waitForStatus(t, db, "v1", vods.DownloadFailed)
	waitForIdle(t, q)

	vod := getVod(t, db, "v1")
	require.Equal(t, 3, vod.RetryCount)
	require.Contains(t, vod.ErrorMessage, "yt-dlp not found")
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestPauseDoesNotBurnAnAttempt(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	addVod(t, db, "newer", base.Add(time.Hour), vods.DownloadQueued, 0)
	addVod(t, db, "older", base, vods.DownloadQueued, 0)

	started := make(chan string, 8)
	releaseNewer := make(chan struct{})
	releaseOlder := make(chan struct{})
	var newerCalls int32

	q := New(db, proc.NewRegistry(), Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			started <- id
			if id == "newer" && atomic.AddInt32(&newerCalls, 1) == 1 {
				<-releaseNewer
				// what a killed subprocess reports
				return "", faults.ErrCancelled
			}
			if id == "older" {
				<-releaseOlder
			}
			return "", nil
		},
	})

	q.Restart()
	require.Equal(t, "newer", <-started)
	waitForStatus(t, db, "newer", vods.Downloading)

	res, err := q.Pause("newer")
	require.NoError(t, err)
	require.True(t, res.Success)
	close(releaseNewer)

	// the loop moves on to the older queued VOD; the paused one keeps
	// the status the pause set and no retry is charged
	require.Equal(t, "older", <-started)
	vod := getVod(t, db, "newer")
	require.Equal(t, vods.DownloadPaused, vod.DownloadStatus)
	require.Equal(t, 0, vod.RetryCount)

	// once the queued work drains, the paused VOD is picked back up
	close(releaseOlder)
	require.Equal(t, "newer", <-started)
	waitForStatus(t, db, "newer", vods.DownloadCompleted)
	waitForStatus(t, db, "older", vods.DownloadCompleted)
	waitForIdle(t, q)
}

func TestPauseKillsLateRegisteredSubprocess(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	addVod(t, db, "newer", base.Add(time.Hour), vods.DownloadQueued, 0)
	addVod(t, db, "older", base, vods.DownloadQueued, 0)

	procs := proc.NewRegistry()
	started := make(chan string, 8)
	pauseLanded := make(chan struct{})
	var exitCode atomic.Int32
	exitCode.Store(-1)
	var newerCalls int32

	q := New(db, procs, Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			started <- id
			if id == "newer" && atomic.AddInt32(&newerCalls, 1) == 1 {
				// the pause arrives before the tool is spawned, so no
				// handle is registered yet when the kill is requested
				<-pauseLanded
				h, err := proc.Start("sleep", []string{"30"}, "")
				if err != nil {
					return "", err
				}
				procs.Put(id, h)
				defer procs.Remove(id)
				res := h.Wait()
				exitCode.Store(int32(res.ExitCode))
				return "", proc.Classify("sleep", res, false)
			}
			return "", nil
		},
	})

	q.Restart()
	require.Equal(t, "newer", <-started)
	waitForStatus(t, db, "newer", vods.Downloading)

	res, err := q.Pause("newer")
	require.NoError(t, err)
	require.True(t, res.Success)
	close(pauseLanded)

	// the deferred kill lands once the handle shows up: the sleep dies
	// by SIGTERM instead of running its 30 seconds out
	require.Equal(t, "older", <-started)
	require.Equal(t, int32(143), exitCode.Load())

	vod := getVod(t, db, "newer")
	require.Equal(t, vods.DownloadPaused, vod.DownloadStatus)
	require.Equal(t, 0, vod.RetryCount)

	require.Equal(t, "newer", <-started)
	waitForStatus(t, db, "newer", vods.DownloadCompleted)
	waitForIdle(t, q)
}

func TestCancelBeatsCompletionOfInFlightDownload(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	q := New(db, proc.NewRegistry(), Options{
		RetryDelay: time.Millisecond,
		Download: func(id string) (string, error) {
			close(started)
			// never registers a handle and finishes on its own, as if
			// the tool completed before any kill could reach it
			<-release
			return "", nil
		},
	})

	q.Restart()
	<-started
	waitForStatus(t, db, "v1", vods.Downloading)

	res, err := q.Cancel("v1")
	require.NoError(t, err)
	require.True(t, res.Success)
	close(release)

	waitForIdle(t, q)
	vod := getVod(t, db, "v1")
	require.Equal(t, vods.DownloadCancelled, vod.DownloadStatus)
	require.Equal(t, 0, vod.RetryCount)
	require.Empty(t, vod.ErrorMessage)
}

func TestPauseRequiresActiveDownload(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	q := New(db, proc.NewRegistry(), Options{})
	_, err := q.Pause("v1")

	var invalid *faults.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestResumeRequeuesPaused(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadPaused, 1)

	q := New(db, proc.NewRegistry(), Options{
		Download: func(id string) (string, error) { return "", nil },
	})
	res, err := q.Resume("v1")
	require.NoError(t, err)
	require.True(t, res.Success)

	waitForStatus(t, db, "v1", vods.DownloadCompleted)
	waitForIdle(t, q)
}

func TestResumeRejectsNonPaused(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	q := New(db, proc.NewRegistry(), Options{})
	_, err := q.Resume("v1")

	var invalid *faults.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestCancelClearsErrorAndParksVod(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&vods.Vod{
		ID:             "v1",
		CreatedAt:      time.Now(),
		DownloadStatus: vods.DownloadFailed,
		RetryCount:     2,
		ErrorMessage:   "network flake",
	}).Error)

	q := New(db, proc.NewRegistry(), Options{})
	res, err := q.Cancel("v1")
	require.NoError(t, err)
	require.True(t, res.Success)

	vod := getVod(t, db, "v1")
	require.Equal(t, vods.DownloadCancelled, vod.DownloadStatus)
	require.Empty(t, vod.ErrorMessage)

	// cancelled VODs are never picked up by the loop
	_, ok := q.nextCandidate()
	require.False(t, ok)
}

func TestCancelRejectsCompleted(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadCompleted, 0)

	q := New(db, proc.NewRegistry(), Options{})
	_, err := q.Cancel("v1")

	var invalid *faults.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestAddShortCircuitsWhenFileExists(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "v1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, db.Create(&vods.Vod{
		ID:             "v1",
		CreatedAt:      time.Now(),
		DownloadStatus: vods.DownloadCompleted,
		FilePath:       path,
	}).Error)

	q := New(db, proc.NewRegistry(), Options{})
	res, err := q.Add("v1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "VOD already downloaded", res.Message)
	require.Equal(t, vods.DownloadCompleted, getVod(t, db, "v1").DownloadStatus)
}

func TestAddRequeuesWhenFileMissing(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&vods.Vod{
		ID:             "v1",
		CreatedAt:      time.Now(),
		DownloadStatus: vods.DownloadCompleted,
		FilePath:       filepath.Join(t.TempDir(), "gone.mp4"),
	}).Error)

	q := New(db, proc.NewRegistry(), Options{
		Download: func(id string) (string, error) { return "", nil },
	})
	res, err := q.Add("v1")
	require.NoError(t, err)
	require.True(t, res.Success)

	waitForStatus(t, db, "v1", vods.DownloadCompleted)
	waitForIdle(t, q)
}

func TestAddUnknownVod(t *testing.T) {
	q := New(newTestDB(t), proc.NewRegistry(), Options{})
	_, err := q.Add("nope")
	require.True(t, faults.IsNotFound(err))
}

func TestResetStuckRequeuesInterruptedDownloads(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&vods.Vod{
		ID:               "retryable",
		CreatedAt:        time.Now(),
		DownloadStatus:   vods.Downloading,
		DownloadProgress: 42.5,
		RetryCount:       1,
	}).Error)
	require.NoError(t, db.Create(&vods.Vod{
		ID:             "spent",
		CreatedAt:      time.Now(),
		DownloadStatus: vods.Downloading,
		RetryCount:     3,
	}).Error)
	require.NoError(t, db.Create(&vods.Vod{
		ID:             "midrepair",
		CreatedAt:      time.Now(),
		DownloadStatus: vods.DownloadCompleted,
		ProcessStatus:  vods.Processing,
	}).Error)

	q := New(db, proc.NewRegistry(), Options{MaxRetries: 3})
	require.NoError(t, q.ResetStuck())

	retryable := getVod(t, db, "retryable")
	require.Equal(t, vods.DownloadQueued, retryable.DownloadStatus)
	require.Equal(t, 0.0, retryable.DownloadProgress)
	require.Equal(t, 1, retryable.RetryCount)

	spent := getVod(t, db, "spent")
	require.Equal(t, vods.DownloadFailed, spent.DownloadStatus)
	require.Equal(t, "Download interrupted by server restart", spent.ErrorMessage)

	midrepair := getVod(t, db, "midrepair")
	require.Equal(t, vods.ProcessFailed, midrepair.ProcessStatus)
	require.Equal(t, "Processing interrupted by server restart", midrepair.ErrorMessage)

	// running recovery again must not change anything
	require.NoError(t, q.ResetStuck())
	require.Equal(t, vods.DownloadQueued, getVod(t, db, "retryable").DownloadStatus)
	require.Equal(t, vods.DownloadFailed, getVod(t, db, "spent").DownloadStatus)
}

func TestChainRunsProcessAndRebuild(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	var mu sync.Mutex
	var order []string
	q := New(db, proc.NewRegistry(), Options{
		AutoProcess:  true,
		AutoPlaylist: true,
		RetryDelay:   time.Millisecond,
		Download: func(id string) (string, error) {
			return "", nil
		},
		Process: func(id string) (string, error) {
			mu.Lock()
			order = append(order, "process:"+id)
			mu.Unlock()
			return "", nil
		},
		RebuildPlaylist: func() error {
			mu.Lock()
			order = append(order, "rebuild")
			mu.Unlock()
			return nil
		},
	})

	q.Restart()
	waitForStatus(t, db, "v1", vods.DownloadCompleted)
	waitForIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"process:v1", "rebuild"}, order)
}

func TestChainFailureDoesNotFailDownload(t *testing.T) {
	db := newTestDB(t)
	addVod(t, db, "v1", time.Now(), vods.DownloadQueued, 0)

	q := New(db, proc.NewRegistry(), Options{
		AutoProcess: true,
		RetryDelay:  time.Millisecond,
		Download: func(id string) (string, error) {
			return "", nil
		},
		Process: func(id string) (string, error) {
			return "", errors.New("repair blew up")
		},
	})

	q.Restart()
	waitForStatus(t, db, "v1", vods.DownloadCompleted)
	waitForIdle(t, q)

	require.Equal(t, 0, getVod(t, db, "v1").RetryCount)
}

func TestStatusCounts(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	addVod(t, db, "q1", base, vods.DownloadQueued, 0)
	addVod(t, db, "q2", base, vods.DownloadQueued, 0)
	addVod(t, db, "f1", base, vods.DownloadFailed, 3)
	addVod(t, db, "c1", base, vods.DownloadCompleted, 0)

	q := New(db, proc.NewRegistry(), Options{})
	s := q.Status()
	require.Equal(t, int64(2), s.Queued)
	require.Equal(t, int64(1), s.Failed)
	require.Equal(t, int64(0), s.Downloading)
	require.False(t, s.IsProcessing)
	require.Empty(t, s.CurrentDownload)
}
