package transfer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hrz6976/fetchmate/aria2"
	"github.com/hrz6976/fetchmate/aria2/aria2test"
	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient() ClientOptions {
	return ClientOptions{
		Timeout:         time.Second,
		RetryAttempts:   2,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: 5 * time.Millisecond,
	}
}

func waitFinished(t *testing.T, w Worker) {
	t.Helper()
	require.Eventually(t, w.Finished, 5*time.Second, 5*time.Millisecond)
}

// rangeServer serves content with range support and records Range headers.
type rangeServer struct {
	*httptest.Server
	mu     sync.Mutex
	ranges []string
}

func newRangeServer(content []byte) *rangeServer {
	rs := &rangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			rs.mu.Lock()
			rs.ranges = append(rs.ranges, r.Header.Get("Range"))
			rs.mu.Unlock()
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	return rs
}

func (rs *rangeServer) Ranges() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.ranges...)
}

func TestDestPath(t *testing.T) {
	p, err := destPath("/data/job", "Show/e01.mkv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/job", "Show", "e01.mkv"), p)

	for _, bad := range []string{"", "../etc/passwd", "/etc/passwd", "a/../../b"} {
		_, err := destPath("/data/job", bad)
		assert.Error(t, err, bad)
	}
}

func TestFactoryNew(t *testing.T) {
	f := NewFactory(Options{HTTP: fastClient()})
	unit := &db.Unit{ID: "u1", Path: "a.bin", Locator: "http://example.invalid/a.bin"}

	w, err := f.New(&db.Job{Kind: db.KindHTTP}, unit, "/data")
	require.NoError(t, err)
	assert.IsType(t, &httpWorker{}, w)

	w, err = f.New(&db.Job{Kind: db.KindRclone}, unit, "/data")
	require.NoError(t, err)
	assert.Equal(t, "unit-u1", w.RemoteID())

	_, err = f.New(&db.Job{Kind: db.KindAria2}, unit, "/data")
	assert.Error(t, err)
	_, err = f.New(&db.Job{Kind: db.KindSymlink}, unit, "/data")
	assert.Error(t, err)
	_, err = f.New(&db.Job{Kind: "carrier-pigeon"}, unit, "/data")
	assert.Error(t, err)
	_, err = f.New(&db.Job{Kind: db.KindHTTP}, &db.Unit{Path: "a.bin"}, "/data")
	assert.ErrorIs(t, err, ErrNoLocator)
}

func TestHTTPWorker_ChunkedDownload(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 100)
	srv := newRangeServer(content)
	defer srv.Close()

	dir := t.TempDir()
	f := NewFactory(Options{HTTP: fastClient(), ChunkSize: 300})
	w, err := f.New(&db.Job{Kind: db.KindHTTP}, &db.Unit{ID: "u1", Path: "sub/file.bin", Locator: srv.URL + "/file.bin"}, dir)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	waitFinished(t, w)
	require.NoError(t, w.Err())

	got, err := os.ReadFile(filepath.Join(dir, "sub", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	done, total := w.Progress()
	assert.Equal(t, int64(1000), done)
	assert.Equal(t, int64(1000), total)
	assert.Equal(t, []string{"bytes=0-299", "bytes=300-599", "bytes=600-899", "bytes=900-999"}, srv.Ranges())
	assert.NoFileExists(t, filepath.Join(dir, "sub", "file.bin.part"))
}

func TestHTTPWorker_Resume(t *testing.T) {
	content := []byte(strings.Repeat("abcdefghij", 50))
	srv := newRangeServer(content)
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.bin.part"), content[:120], 0o644))

	f := NewFactory(Options{HTTP: fastClient(), ChunkSize: 1 << 20})
	w, err := f.New(&db.Job{Kind: db.KindHTTP}, &db.Unit{ID: "u1", Path: "file.bin", Locator: srv.URL + "/file.bin"}, dir)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	waitFinished(t, w)
	require.NoError(t, w.Err())

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, []string{"bytes=120-499"}, srv.Ranges())
}

func TestHTTPWorker_NotFoundAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFactory(Options{HTTP: fastClient()})
	w, err := f.New(&db.Job{Kind: db.KindHTTP}, &db.Unit{ID: "u1", Path: "x", Locator: srv.URL + "/x"}, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	waitFinished(t, w)
	assert.ErrorIs(t, w.Err(), ErrNotFound)

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	w, err = f.New(&db.Job{Kind: db.KindHTTP}, &db.Unit{ID: "u2", Path: "y", Locator: slow.URL + "/y"}, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Cancel()
	w.Cancel()
	waitFinished(t, w)
	assert.ErrorIs(t, w.Err(), worker.ErrCanceled)
}

func TestAria2Worker(t *testing.T) {
	srv := aria2test.NewServer()
	defer srv.Close()
	client := aria2.NewClient(srv.RPCURL(), "", time.Second)

	dir := t.TempDir()
	f := NewFactory(Options{Aria2: client, PollInterval: 5 * time.Millisecond})
	w, err := f.New(&db.Job{Kind: db.KindAria2}, &db.Unit{ID: "u1", Path: "Show/e01.mkv", Locator: "https://files.example/e01.mkv"}, dir)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	gid := w.RemoteID()
	require.NotEmpty(t, gid)
	opts := srv.Options(gid)
	assert.Equal(t, filepath.Join(dir, "Show"), opts["dir"])
	assert.Equal(t, "e01.mkv", opts["out"])

	srv.Update(gid, func(st *aria2.Status) {
		st.TotalLength = "100"
		st.CompletedLength = "40"
	})
	require.Eventually(t, func() bool {
		done, total := w.Progress()
		return done == 40 && total == 100
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, w.Finished())

	srv.Update(gid, func(st *aria2.Status) {
		st.Status = "complete"
		st.CompletedLength = "100"
	})
	waitFinished(t, w)
	require.NoError(t, w.Err())
	_, ok := srv.Get(gid)
	assert.False(t, ok)
}

func TestAria2Worker_ErrorAndCancel(t *testing.T) {
	srv := aria2test.NewServer()
	defer srv.Close()
	client := aria2.NewClient(srv.RPCURL(), "", time.Second)
	f := NewFactory(Options{Aria2: client, PollInterval: 5 * time.Millisecond})
	unit := &db.Unit{ID: "u1", Path: "a.bin", Locator: "https://files.example/a.bin"}

	w, err := f.New(&db.Job{Kind: db.KindAria2}, unit, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	srv.Update(w.RemoteID(), func(st *aria2.Status) {
		st.Status = "error"
		st.ErrorMessage = "resource not found"
	})
	waitFinished(t, w)
	assert.ErrorContains(t, w.Err(), "resource not found")

	w, err = f.New(&db.Job{Kind: db.KindAria2}, unit, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	gid := w.RemoteID()
	w.Cancel()
	waitFinished(t, w)
	assert.ErrorIs(t, w.Err(), worker.ErrCanceled)
	require.Eventually(t, func() bool {
		_, ok := srv.Get(gid)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSymlinkWorker(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "Show"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "Show", "e01.mkv"), []byte("video"), 0o644))

	dir := t.TempDir()
	f := NewFactory(Options{MountPath: mount})
	w, err := f.New(&db.Job{Kind: db.KindSymlink}, &db.Unit{ID: "u1", Path: "Show/e01.mkv"}, dir)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.True(t, w.Finished())
	require.NoError(t, w.Err())

	link := filepath.Join(dir, "Show", "e01.mkv")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mount, "Show", "e01.mkv"), target)
	done, total := w.Progress()
	assert.Equal(t, int64(5), done)
	assert.Equal(t, int64(5), total)

	w, err = f.New(&db.Job{Kind: db.KindSymlink}, &db.Unit{ID: "u2", Path: "Show/missing.mkv"}, dir)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Err())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://host/a/b.mkv", redact("https://user:pw@host/a/b.mkv?token=x"))
	assert.Equal(t, "https://host/a@b.mkv", redact("https://host/a@b.mkv"))
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := calls.Add(1); n <= 2 || r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(fastClient())
	body, err := c.Get(context.Background(), srv.URL+"/up")
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
	assert.EqualValues(t, 3, calls.Load())

	_, err = c.Get(context.Background(), srv.URL+"/down?token=secret")
	assert.ErrorIs(t, err, ErrServerError)
	assert.NotContains(t, err.Error(), "secret")
	assert.EqualValues(t, 6, calls.Load(), "one try plus RetryAttempts retries")
}
