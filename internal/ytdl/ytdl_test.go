package ytdl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fknsrs.biz/p/ytscribe/internal/ctxhttpclient"
)

// stub is a fake yt-dlp that records its arguments and the archive it was
// given, then prints canned output.
type stub struct {
	dir  string
	path string
}

func newStub(t *testing.T, stdout, stderr string, exitCode int) *stub {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("stub executable needs /bin/sh")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stdout"), []byte(stdout), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stderr"), []byte(stderr), 0o644))

	script := fmt.Sprintf(`#!/bin/sh
dir=%q
: > "$dir/args"
prev=""
for a in "$@"; do
  printf '%%s\n' "$a" >> "$dir/args"
  if [ "$prev" = "--download-archive" ]; then
    printf '%%s\n' "$a" > "$dir/archive_path"
    cat "$a" > "$dir/archive"
  fi
  prev="$a"
done
cat "$dir/stdout"
cat "$dir/stderr" >&2
exit %d
`, dir, exitCode)

	p := filepath.Join(dir, "yt-dlp")
	require.NoError(t, os.WriteFile(p, []byte(script), 0o755))

	return &stub{dir: dir, path: p}
}

func (s *stub) read(t *testing.T, name string) string {
	t.Helper()

	d, err := os.ReadFile(filepath.Join(s.dir, name))
	require.NoError(t, err)

	return string(d)
}

func (s *stub) args(t *testing.T) []string {
	return strings.Split(strings.TrimSpace(s.read(t, "args")), "\n")
}

func TestProbeChannel(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{"id": "UCpNvmbdtY8WAzhdNUDxbT2g", "channel": "Some Channel", "channel_url": "https://www.youtube.com/channel/UCpNvmbdtY8WAzhdNUDxbT2g", "entries": []}`, "", 0)
	c := &Client{Path: s.path, DisableFallback: true}

	info, err := c.ProbeChannel(context.Background(), "@some")
	a.NoError(err)
	a.Equal(&ChannelInfo{
		ID:   "UCpNvmbdtY8WAzhdNUDxbT2g",
		Name: "Some Channel",
		URL:  "https://www.youtube.com/channel/UCpNvmbdtY8WAzhdNUDxbT2g",
	}, info)

	a.Equal([]string{"-J", "--flat-playlist", "--playlist-items", "1", "https://www.youtube.com/@some"}, s.args(t))
}

func TestProbeChannelErrors(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, "", "ERROR: [youtube:tab] @nobody: This channel does not exist.\n", 1)
	c := &Client{Path: s.path, DisableFallback: true}

	_, err := c.ProbeChannel(context.Background(), "@nobody")
	var eerr *ExtractionError
	a.ErrorAs(err, &eerr)
	a.Equal("ProbeChannel", eerr.Op)
	a.ErrorIs(err, ErrNotFound)

	_, err = (&Client{Path: filepath.Join(t.TempDir(), "missing"), DisableFallback: true}).ProbeChannel(context.Background(), "UCpNvmbdtY8WAzhdNUDxbT2g")
	a.ErrorIs(err, ErrNotInstalled)

	s = newStub(t, "", "ERROR: HTTP Error 429: Too Many Requests\n", 1)
	_, err = (&Client{Path: s.path, DisableFallback: true}).ProbeChannel(context.Background(), "@busy")
	a.ErrorIs(err, ErrRateLimited)
}

func TestProbeChannelFallback(t *testing.T) {
	a := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprint(rw, `<html><head><meta itemprop="identifier" content="UC1234567890123456789012"><meta property="og:title" content="Fallback"></head></html>`)
	}))
	defer srv.Close()

	ctx := ctxhttpclient.WithHTTPClient(context.Background(), srv.Client())

	s := newStub(t, "", "ERROR: something broke\n", 1)
	info, err := (&Client{Path: s.path}).ProbeChannel(ctx, srv.URL+"/@fallback")
	a.NoError(err)
	a.Equal(&ChannelInfo{ID: "UC1234567890123456789012", Name: "Fallback", URL: srv.URL + "/@fallback"}, info)
}

func TestListVideos(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{
		"id": "UCpNvmbdtY8WAzhdNUDxbT2g",
		"entries": [
			{"_type": "playlist", "title": "Videos", "entries": [
				{"id": "v3xxxxxxxxx", "title": "Third 'quoted'", "webpage_url": "https://www.youtube.com/watch?v=v3xxxxxxxxx"},
				{"id": "v1xxxxxxxxx", "title": "First", "url": "https://www.youtube.com/watch?v=v1xxxxxxxxx"},
				null
			]},
			{"_type": "playlist", "title": "Shorts", "entries": [
				{"id": "v4xxxxxxxxx", "title": "Fourth", "url": "v4xxxxxxxxx"},
				{"id": "v3xxxxxxxxx", "title": "Third again"}
			]}
		]
	}`, "", 0)

	c := &Client{Path: s.path, Options: map[string]interface{}{
		"outtmpl":          "%(id)s.%(ext)s",
		"skip_download":    true,
		"download_archive": "ignored.txt",
	}}

	entries, err := c.ListVideos(context.Background(), "https://www.youtube.com/channel/UCpNvmbdtY8WAzhdNUDxbT2g", []string{"v1xxxxxxxxx", "v2xxxxxxxxx"})
	a.NoError(err)
	a.Equal([]Entry{
		{ID: "v3xxxxxxxxx", Title: "Third 'quoted'", URL: "https://www.youtube.com/watch?v=v3xxxxxxxxx"},
		{ID: "v4xxxxxxxxx", Title: "Fourth", URL: "https://www.youtube.com/watch?v=v4xxxxxxxxx"},
	}, entries)

	a.Equal("youtube v1xxxxxxxxx\nyoutube v2xxxxxxxxx\n", s.read(t, "archive"))

	archivePath := strings.TrimSpace(s.read(t, "archive_path"))
	_, err = os.Stat(archivePath)
	a.True(os.IsNotExist(err), "archive should be removed")

	args := s.args(t)
	a.Equal([]string{
		"--output", "%(id)s.%(ext)s",
		"--skip-download",
		"-J", "--download-archive", archivePath,
		"https://www.youtube.com/channel/UCpNvmbdtY8WAzhdNUDxbT2g",
	}, args)
}

func TestOptionsApplyToEveryCall(t *testing.T) {
	a := assert.New(t)

	options := map[string]interface{}{
		"cookiefile": "/tmp/cookies.txt",
		"ratelimit":  "50K",
	}
	want := []string{"--cookies", "/tmp/cookies.txt", "--limit-rate", "50K"}

	s := newStub(t, `{"channel_id": "UCpNvmbdtY8WAzhdNUDxbT2g", "channel": "C"}`, "", 0)
	_, err := (&Client{Path: s.path, Options: options, DisableFallback: true}).ProbeChannel(context.Background(), "@c")
	a.NoError(err)
	a.Equal(append(want, "-J", "--flat-playlist", "--playlist-items", "1", "https://www.youtube.com/@c"), s.args(t))

	s = newStub(t, `{"id": "v1xxxxxxxxx"}`, "", 0)
	_, err = (&Client{Path: s.path, Options: options}).FetchCaptions(context.Background(), "https://www.youtube.com/watch?v=v1xxxxxxxxx")
	a.NoError(err)
	a.Equal(append(want, "-J", "--skip-download", "--no-playlist", "https://www.youtube.com/watch?v=v1xxxxxxxxx"), s.args(t))

	s = newStub(t, `{"entries": [{"id": "v5xxxxxxxxx"}]}`, "", 0)
	_, err = (&Client{Path: s.path, Options: options}).ListVideos(context.Background(), "https://www.youtube.com/@c", nil)
	a.NoError(err)
	a.Equal(want, s.args(t)[:4])
}

func TestOptionsRejected(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{"id": "v1xxxxxxxxx"}`, "", 0)
	c := &Client{Path: s.path, Options: map[string]interface{}{"bad": struct{}{}}, DisableFallback: true}

	_, err := c.ProbeChannel(context.Background(), "@c")
	a.Error(err)

	_, err = c.FetchCaptions(context.Background(), "https://www.youtube.com/watch?v=v1xxxxxxxxx")
	a.Error(err)
}

func TestProbeChannelIDFromURL(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{"id": "@handle", "channel": "Handle", "channel_url": "https://www.youtube.com/channel/UCpNvmbdtY8WAzhdNUDxbT2g"}`, "", 0)

	info, err := (&Client{Path: s.path, DisableFallback: true}).ProbeChannel(context.Background(), "@handle")
	a.NoError(err)
	a.Equal("UCpNvmbdtY8WAzhdNUDxbT2g", info.ID)
}

func TestListVideosIDFromURL(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{"entries": [{"title": "No id", "url": "https://youtu.be/v6xxxxxxxxx"}, {"title": "Nothing"}]}`, "", 0)

	entries, err := (&Client{Path: s.path}).ListVideos(context.Background(), "https://www.youtube.com/@x", nil)
	a.NoError(err)
	a.Equal([]Entry{{ID: "v6xxxxxxxxx", Title: "No id", URL: "https://youtu.be/v6xxxxxxxxx"}}, entries)
}

func TestListVideosNoEntries(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{"id": "UCpNvmbdtY8WAzhdNUDxbT2g", "entries": []}`, "", 0)

	_, err := (&Client{Path: s.path}).ListVideos(context.Background(), "https://www.youtube.com/@x", []string{"v1xxxxxxxxx"})
	a.ErrorIs(err, ErrNoEntries)

	archivePath := strings.TrimSpace(s.read(t, "archive_path"))
	_, err = os.Stat(archivePath)
	a.True(os.IsNotExist(err))
}

func TestListVideosFailureRemovesArchive(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, "", "ERROR: boom\n", 1)

	_, err := (&Client{Path: s.path}).ListVideos(context.Background(), "https://www.youtube.com/@x", nil)
	a.Error(err)
	a.False(errors.Is(err, ErrNoEntries))
	a.Contains(err.Error(), "ERROR: boom")

	archivePath := strings.TrimSpace(s.read(t, "archive_path"))
	_, err = os.Stat(archivePath)
	a.True(os.IsNotExist(err))
}

func TestListVideosPartialOutput(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{"entries": [{"id": "v5xxxxxxxxx", "title": "Five"}]}`, "ERROR: one entry failed\n", 1)

	entries, err := (&Client{Path: s.path}).ListVideos(context.Background(), "https://www.youtube.com/@x", nil)
	a.NoError(err)
	a.Equal([]Entry{{ID: "v5xxxxxxxxx", Title: "Five", URL: "https://www.youtube.com/watch?v=v5xxxxxxxxx"}}, entries)
}

func TestWithArchive(t *testing.T) {
	a := assert.New(t)

	var seen string
	err := WithArchive([]string{"a", "b"}, func(p string) error {
		seen = p
		d, err := os.ReadFile(p)
		require.NoError(t, err)
		a.Equal("youtube a\nyoutube b\n", string(d))
		return fmt.Errorf("failed")
	})
	a.EqualError(err, "failed")

	_, err = os.Stat(seen)
	a.True(os.IsNotExist(err))
}

func TestFetchCaptions(t *testing.T) {
	a := assert.New(t)

	s := newStub(t, `{
		"id": "v1xxxxxxxxx",
		"automatic_captions": {
			"en": [{"ext": "json3", "url": "https://example.com/en.json3"}, {"ext": "vtt", "url": "https://example.com/en.vtt", "name": "English"}],
			"fr": [{"ext": "json3", "url": "https://example.com/fr.json3"}],
			"de": [{"ext": "json3"}]
		}
	}`, "", 0)

	caps, err := (&Client{Path: s.path}).FetchCaptions(context.Background(), "https://www.youtube.com/watch?v=v1xxxxxxxxx")
	a.NoError(err)
	a.True(caps.Available)
	a.Equal(map[string][]CaptionFormat{
		"en": {{Ext: "json3", URL: "https://example.com/en.json3"}, {Ext: "vtt", URL: "https://example.com/en.vtt", Name: "English"}},
		"fr": {{Ext: "json3", URL: "https://example.com/fr.json3"}},
	}, caps.Tracks)

	a.Equal([]string{"-J", "--skip-download", "--no-playlist", "https://www.youtube.com/watch?v=v1xxxxxxxxx"}, s.args(t))
}

func TestFetchCaptionsNoneAvailable(t *testing.T) {
	a := assert.New(t)

	for _, out := range []string{`{"id": "v1xxxxxxxxx"}`, `{"id": "v1xxxxxxxxx", "automatic_captions": {}}`} {
		s := newStub(t, out, "", 0)

		caps, err := (&Client{Path: s.path}).FetchCaptions(context.Background(), "https://www.youtube.com/watch?v=v1xxxxxxxxx")
		a.NoError(err)
		a.False(caps.Available)
		a.Empty(caps.Tracks)
	}
}

func TestFetchBytes(t *testing.T) {
	a := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(rw, "WEBVTT\n\nhello")
		case "/slow":
			rw.WriteHeader(http.StatusTooManyRequests)
		case "/fail":
			rw.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(rw, r)
		}
	}))
	defer srv.Close()

	ctx := ctxhttpclient.WithHTTPClient(context.Background(), srv.Client())
	c := &Client{}

	d, err := c.FetchBytes(ctx, srv.URL+"/ok")
	a.NoError(err)
	a.Equal("WEBVTT\n\nhello", string(d))

	_, err = c.FetchBytes(ctx, srv.URL+"/missing")
	a.ErrorIs(err, ErrNotFound)

	_, err = c.FetchBytes(ctx, srv.URL+"/slow")
	a.ErrorIs(err, ErrRateLimited)

	_, err = c.FetchBytes(ctx, srv.URL+"/fail")
	var eerr *ExtractionError
	a.ErrorAs(err, &eerr)
	a.Equal("FetchBytes", eerr.Op)
}
