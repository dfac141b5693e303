// Package handlers exposes the control surface over echo. Every
// failure is returned to the caller and also republished as an
// api_error event for observers without a response channel.
package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/sandeep1995/doublelift/events"
	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/ffmpeg"
	"github.com/sandeep1995/doublelift/playlists"
	"github.com/sandeep1995/doublelift/queue"
	"github.com/sandeep1995/doublelift/scheduler"
	"github.com/sandeep1995/doublelift/stream"
	"github.com/sandeep1995/doublelift/vods"
)

// Deps carries the service singletons the routes act on.
type Deps struct {
	DB         *gorm.DB
	Queue      *queue.Queue
	Stream     *stream.Manager
	Processor  *ffmpeg.Processor
	Scanner    *scheduler.Scanner
	CapSeconds int64
}

func Register(e *echo.Echo, d Deps) {
	api := e.Group("/api")

	api.GET("/vods", d.listVods)
	api.GET("/vods/:id", d.getVod)
	api.DELETE("/vods/:id", d.deleteVod)
	api.POST("/vods/:id/download", d.enqueueDownload)
	api.POST("/vods/:id/retry", d.retryDownload)
	api.POST("/vods/:id/pause", d.pauseDownload)
	api.POST("/vods/:id/resume", d.resumeDownload)
	api.POST("/vods/:id/cancel", d.cancelDownload)
	api.POST("/vods/:id/process", d.processVod)

	api.GET("/queue/status", d.queueStatus)
	api.POST("/queue/restart", d.restartQueue)

	api.GET("/playlist", d.getPlaylist)
	api.POST("/playlist/rebuild", d.rebuildPlaylist)
	api.POST("/playlist/:id", d.addToPlaylist)
	api.DELETE("/playlist/:id", d.removeFromPlaylist)

	api.GET("/stream/status", d.streamStatus)
	api.POST("/stream/start", d.startStream)
	api.POST("/stream/stop", d.stopStream)
	api.POST("/stream/skip", d.skipToNext)
	api.POST("/stream/skip/:id", d.skipToVod)
	api.POST("/stream/reload", d.reloadPlaylist)

	api.POST("/scan", d.scanNow)

	e.GET("/ws", events.Handler)
}

// fail maps a fault onto an HTTP status, republishes it as an
// api_error event, and replies with the uniform envelope.
func fail(c echo.Context, endpoint, vodID string, err error) error {
	status := http.StatusInternalServerError

	var invalid *faults.InvalidStateError
	var capacity *faults.CapacityExceededError
	switch {
	case faults.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &capacity):
		status = http.StatusConflict
	}

	payload := map[string]interface{}{
		"endpoint": endpoint,
		"error":    err.Error(),
	}
	if vodID != "" {
		payload["vodId"] = vodID
	}
	events.Broadcast("api_error", payload)
	log.Errorln(endpoint, "failed:", err)

	return c.JSON(status, queue.Result{Success: false, Message: err.Error()})
}

func (d Deps) listVods(c echo.Context) error {
	var all []vods.Vod
	if err := d.DB.Order("created_at DESC").Find(&all).Error; err != nil {
		return fail(c, "/api/vods", "", err)
	}
	return c.JSON(http.StatusOK, all)
}

func (d Deps) getVod(c echo.Context) error {
	id := c.Param("id")
	vod, err := vods.Get(d.DB, id)
	if err != nil {
		return fail(c, "/api/vods/:id", id, err)
	}
	return c.JSON(http.StatusOK, vod)
}

func (d Deps) deleteVod(c echo.Context) error {
	id := c.Param("id")
	if _, err := vods.Get(d.DB, id); err != nil {
		return fail(c, "/api/vods/:id", id, err)
	}
	if err := vods.Delete(d.DB, id); err != nil {
		return fail(c, "/api/vods/:id", id, err)
	}
	return c.JSON(http.StatusOK, queue.Result{Success: true, Message: "VOD removed from history"})
}

func (d Deps) enqueueDownload(c echo.Context) error {
	id := c.Param("id")
	res, err := d.Queue.Add(id)
	if err != nil {
		return fail(c, "/api/vods/:id/download", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) retryDownload(c echo.Context) error {
	id := c.Param("id")
	res, err := d.Queue.Retry(id)
	if err != nil {
		return fail(c, "/api/vods/:id/retry", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) pauseDownload(c echo.Context) error {
	id := c.Param("id")
	res, err := d.Queue.Pause(id)
	if err != nil {
		return fail(c, "/api/vods/:id/pause", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) resumeDownload(c echo.Context) error {
	id := c.Param("id")
	res, err := d.Queue.Resume(id)
	if err != nil {
		return fail(c, "/api/vods/:id/resume", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) cancelDownload(c echo.Context) error {
	id := c.Param("id")
	res, err := d.Queue.Cancel(id)
	if err != nil {
		return fail(c, "/api/vods/:id/cancel", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) processVod(c echo.Context) error {
	id := c.Param("id")
	if _, err := vods.Get(d.DB, id); err != nil {
		return fail(c, "/api/vods/:id/process", id, err)
	}
	go func() {
		if _, err := d.Processor.Process(id); err != nil {
			log.Errorln("processing of", id, "failed:", err)
		}
	}()
	return c.JSON(http.StatusOK, queue.Result{Success: true, Message: "Processing started"})
}

func (d Deps) queueStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, d.Queue.Status())
}

func (d Deps) restartQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, d.Queue.Restart())
}

func (d Deps) getPlaylist(c echo.Context) error {
	items, err := playlists.Get(d.DB)
	if err != nil {
		return fail(c, "/api/playlist", "", err)
	}
	return c.JSON(http.StatusOK, items)
}

func (d Deps) rebuildPlaylist(c echo.Context) error {
	if err := playlists.Rebuild(d.DB, d.CapSeconds); err != nil {
		return fail(c, "/api/playlist/rebuild", "", err)
	}
	return c.JSON(http.StatusOK, queue.Result{Success: true, Message: "Playlist rebuilt"})
}

func (d Deps) addToPlaylist(c echo.Context) error {
	id := c.Param("id")
	if err := playlists.Add(d.DB, id, d.CapSeconds); err != nil {
		return fail(c, "/api/playlist/:id", id, err)
	}
	return c.JSON(http.StatusOK, queue.Result{Success: true, Message: "VOD added to playlist"})
}

func (d Deps) removeFromPlaylist(c echo.Context) error {
	id := c.Param("id")
	if err := playlists.Remove(d.DB, id); err != nil {
		return fail(c, "/api/playlist/:id", id, err)
	}
	return c.JSON(http.StatusOK, queue.Result{Success: true, Message: "VOD removed from playlist"})
}

func (d Deps) streamStatus(c echo.Context) error {
	status, err := d.Stream.GetStatus()
	if err != nil {
		return fail(c, "/api/stream/status", "", err)
	}
	return c.JSON(http.StatusOK, status)
}

type startStreamRequest struct {
	Resume    bool   `json:"resume"`
	FromVodID string `json:"fromVodId"`
	FromIndex *int   `json:"fromIndex"`
}

func (d Deps) startStream(c echo.Context) error {
	var req startStreamRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, "/api/stream/start", "", err)
	}
	res, err := d.Stream.Start(stream.StartOptions{
		Resume:    req.Resume,
		FromVodID: req.FromVodID,
		FromIndex: req.FromIndex,
	})
	if err != nil {
		return fail(c, "/api/stream/start", req.FromVodID, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) stopStream(c echo.Context) error {
	res, err := d.Stream.Stop()
	if err != nil {
		return fail(c, "/api/stream/stop", "", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) skipToNext(c echo.Context) error {
	res, err := d.Stream.SkipToNext()
	if err != nil {
		return fail(c, "/api/stream/skip", "", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) skipToVod(c echo.Context) error {
	id := c.Param("id")
	res, err := d.Stream.SkipToVod(id)
	if err != nil {
		return fail(c, "/api/stream/skip/:id", id, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) reloadPlaylist(c echo.Context) error {
	res, err := d.Stream.ReloadPlaylist()
	if err != nil {
		return fail(c, "/api/stream/reload", "", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (d Deps) scanNow(c echo.Context) error {
	go func() {
		if err := d.Scanner.Scan(); err != nil {
			log.Errorln("manual scan failed:", err)
		}
	}()
	return c.JSON(http.StatusOK, queue.Result{Success: true, Message: "Scan started"})
}
