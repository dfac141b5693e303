package proc

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sandeep1995/doublelift/faults"
)

func TestMain(m *testing.M) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	Init(l)
	os.Exit(m.Run())
}

func TestStartCollectsOutput(t *testing.T) {
	h, err := Start("sh", []string{"-c", "echo hello; echo world >&2"}, "")
	require.NoError(t, err)

	var lines []string
	for line := range h.Lines() {
		lines = append(lines, line)
	}

	res := h.Wait()
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, lines, "hello")
	require.Contains(t, lines, "world")
	require.Contains(t, res.Output, "hello")
	require.Contains(t, res.Output, "world")
}

func TestStartNonzeroExit(t *testing.T) {
	h, err := Start("sh", []string{"-c", "echo boom; exit 7"}, "")
	require.NoError(t, err)

	res := h.Wait()
	require.Equal(t, 7, res.ExitCode)
	require.False(t, res.Cancelled())
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start("definitely-not-a-real-tool", nil, "")
	require.Error(t, err)
	require.True(t, faults.IsConfiguration(err))
}

func TestKillReportsSigterm(t *testing.T) {
	h, err := Start("sleep", []string{"30"}, "")
	require.NoError(t, err)

	h.Kill()
	res := h.Wait()

	require.Equal(t, 143, res.ExitCode)
	require.True(t, res.Cancelled())
	require.True(t, h.Killed())
}

func TestKilledSurvivesTrappedSignal(t *testing.T) {
	// a tool that traps SIGTERM and exits clean: the exit code alone
	// says success, only Killed() remembers the kill was asked for
	h, err := Start("sh", []string{"-c", "trap 'exit 0' TERM; sleep 30 >/dev/null 2>&1 & wait"}, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	h.Kill()
	res := h.Wait()

	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.Cancelled())
	require.True(t, h.Killed())
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify("ffmpeg", Result{ExitCode: 0}, false))

	err := Classify("ffmpeg", Result{ExitCode: 143}, false)
	require.ErrorIs(t, err, faults.ErrCancelled)

	err = Classify("yt-dlp", Result{ExitCode: 130}, false)
	require.ErrorIs(t, err, faults.ErrCancelled)

	// exit 1 but the output file is on disk: the tool skipped work it
	// had already done
	require.NoError(t, Classify("yt-dlp", Result{ExitCode: 1}, true))

	err = Classify("yt-dlp", Result{ExitCode: 1, Output: "ERROR: fragment not found"}, false)
	var toolErr *faults.ExternalToolFailure
	require.True(t, errors.As(err, &toolErr))
	require.Equal(t, "yt-dlp", toolErr.Tool)
	require.Equal(t, 1, toolErr.ExitCode)
	require.Contains(t, toolErr.Output, "fragment not found")
}

func TestClassifyTruncatesOutput(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	err := Classify("yt-dlp", Result{ExitCode: 2, Output: string(long)}, false)

	var toolErr *faults.ExternalToolFailure
	require.True(t, errors.As(err, &toolErr))
	require.Len(t, toolErr.Output, 2000)
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Get("a"))

	h := &Handle{}
	r.Put("a", h)
	require.Same(t, h, r.Get("a"))

	r.Remove("a")
	require.Nil(t, r.Get("a"))
	require.False(t, r.Kill("a"))
}

func TestRegistryAwaitBeforePut(t *testing.T) {
	r := NewRegistry()
	ch := r.Await("vod-1")

	select {
	case <-ch:
		t.Fatal("await resolved before anything was registered")
	case <-time.After(10 * time.Millisecond):
	}

	h := &Handle{}
	r.Put("vod-1", h)

	select {
	case got := <-ch:
		require.Same(t, h, got)
	case <-time.After(time.Second):
		t.Fatal("await never resolved")
	}
}

func TestRegistryAwaitAfterPut(t *testing.T) {
	r := NewRegistry()
	h := &Handle{}
	r.Put("vod-1", h)

	select {
	case got := <-r.Await("vod-1"):
		require.Same(t, h, got)
	case <-time.After(time.Second):
		t.Fatal("await never resolved")
	}
}
