package ytdl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/ctxclock"
	"fknsrs.biz/p/ytscribe/internal/ctxhttpclient"
	"fknsrs.biz/p/ytscribe/internal/ctxlogger"
	"fknsrs.biz/p/ytscribe/internal/ytdirect"
	"fknsrs.biz/p/ytscribe/internal/ytutil"
)

const (
	ProgramName = "yt-dlp"
)

type ChannelInfo struct {
	ID   string
	Name string
	URL  string
}

type Entry struct {
	ID    string
	Title string
	URL   string
}

type CaptionFormat struct {
	Ext  string
	URL  string
	Name string
}

// Captions describes the automatic caption tracks of one video. Formats in
// each track keep the order yt-dlp reported them in, best first.
type Captions struct {
	Available bool
	Tracks    map[string][]CaptionFormat
}

// Client runs yt-dlp. The zero value runs "yt-dlp" from PATH without extra
// options.
type Client struct {
	Path    string
	Options map[string]interface{}
	// DisableFallback stops ProbeChannel from reading the channel page
	// directly when yt-dlp fails.
	DisableFallback bool
}

func (c *Client) program() string {
	if c.Path != "" {
		return c.Path
	}

	return ProgramName
}

// run executes yt-dlp and returns its stdout. Stdout is returned even when
// the process fails, since yt-dlp prints what it could extract before
// exiting non-zero on partial errors.
// command builds the arguments for one invocation. Configured options come
// first so the flags the client relies on take precedence over them.
func (c *Client) command(managed []string, target string) ([]string, error) {
	optionArgs, err := OptionArgs(c.Options)
	if err != nil {
		return nil, err
	}

	args := append(optionArgs, managed...)

	return append(args, target), nil
}

func (c *Client) run(ctx context.Context, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.program(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start, cerr := ctxclock.Now(ctx)
	if cerr != nil {
		start = time.Now()
	}

	err := cmd.Run()
	duration := ctxclock.Since(ctx, start)

	logger := ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{
		"ytdl.program":  c.program(),
		"ytdl.args":     strings.Join(args, " "),
		"ytdl.duration": duration,
	})

	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotInstalled, c.program())
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.WithField("ytdl.stderr", lastLine(stderr.String())).Debug("yt-dlp failed")

		return stdout.Bytes(), classify(err, stderr.String())
	}

	logger.Debug("yt-dlp finished")

	return stdout.Bytes(), nil
}

func (c *Client) runJSON(ctx context.Context, args []string) (*gabs.Container, error) {
	stdout, runErr := c.run(ctx, args)

	if len(bytes.TrimSpace(stdout)) == 0 {
		if runErr != nil {
			return nil, runErr
		}

		return nil, fmt.Errorf("no output")
	}

	j, err := gabs.ParseJSON(stdout)
	if err != nil {
		if runErr != nil {
			return nil, runErr
		}

		return nil, fmt.Errorf("could not parse output: %w", err)
	}

	if runErr != nil {
		ctxlogger.GetLogger(ctx).WithError(runErr).Warn("yt-dlp reported errors; using partial output")
	}

	return j, nil
}

func firstString(j *gabs.Container, paths ...string) string {
	for _, p := range paths {
		if s, ok := j.Path(p).Data().(string); ok && s != "" {
			return s
		}
	}

	return ""
}

// ProbeChannel resolves a channel reference to its identity without listing
// its videos.
func (c *Client) ProbeChannel(ctx context.Context, ref string) (*ChannelInfo, error) {
	channelURL, err := ytutil.ChannelURL(ref)
	if err != nil {
		return nil, &ExtractionError{Op: "ProbeChannel", Target: ref, Err: err}
	}

	info, err := c.probeChannel(ctx, channelURL)
	if err == nil {
		return info, nil
	}

	if c.DisableFallback || errors.Is(err, context.Canceled) {
		return nil, &ExtractionError{Op: "ProbeChannel", Target: ref, Err: err}
	}

	ctxlogger.GetLogger(ctx).WithError(err).WithField("channel.url", channelURL).Debug("yt-dlp channel lookup failed; reading channel page")

	ch, ferr := ytdirect.ProbeChannel(ctx, channelURL)
	if ferr != nil {
		return nil, &ExtractionError{Op: "ProbeChannel", Target: ref, Err: errors.Join(err, ferr)}
	}

	return &ChannelInfo{ID: ch.ID, Name: ch.Title, URL: ch.URL}, nil
}

func (c *Client) probeChannel(ctx context.Context, channelURL string) (*ChannelInfo, error) {
	args, err := c.command([]string{"-J", "--flat-playlist", "--playlist-items", "1"}, channelURL)
	if err != nil {
		return nil, err
	}

	j, err := c.runJSON(ctx, args)
	if err != nil {
		return nil, err
	}

	info := &ChannelInfo{
		ID:   firstString(j, "channel_id"),
		Name: firstString(j, "channel", "uploader", "title"),
		URL:  firstString(j, "channel_url", "uploader_url", "webpage_url"),
	}

	// handle and tab listings report the page id rather than the channel's
	if info.ID == "" {
		for _, candidate := range []string{firstString(j, "id"), info.URL} {
			if id, err := ytutil.ExtractChannelID(candidate); err == nil {
				info.ID = id
				break
			}
		}
	}

	if info.ID == "" {
		info.ID = firstString(j, "id")
	}

	if info.ID == "" {
		return nil, fmt.Errorf("no channel id in output")
	}

	if info.URL == "" {
		info.URL = channelURL
	}

	return info, nil
}

// WithArchive writes ids to a temporary yt-dlp download archive, calls fn
// with its path and removes it again on every return path.
func WithArchive(ids []string, fn func(path string) error) error {
	f, err := os.CreateTemp("", "ytscribe-archive-*.txt")
	if err != nil {
		return fmt.Errorf("ytdl.WithArchive: could not create archive: %w", err)
	}
	defer os.Remove(f.Name())

	var buf bytes.Buffer
	for _, id := range ids {
		fmt.Fprintf(&buf, "youtube %s\n", id)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("ytdl.WithArchive: could not write archive: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("ytdl.WithArchive: could not write archive: %w", err)
	}

	return fn(f.Name())
}

// ListVideos lists the videos of a channel that are not in exclude. It
// returns ErrNoEntries when the listing worked but everything was excluded.
func (c *Client) ListVideos(ctx context.Context, channelURL string, exclude []string) ([]Entry, error) {
	var entries []Entry

	if err := WithArchive(exclude, func(archivePath string) error {
		args, err := c.command([]string{"-J", "--download-archive", archivePath}, channelURL)
		if err != nil {
			return err
		}

		j, err := c.runJSON(ctx, args)
		if err != nil {
			return err
		}

		entries = collectEntries(j, excludeSet(exclude), nil)

		return nil
	}); err != nil {
		return nil, &ExtractionError{Op: "ListVideos", Target: channelURL, Err: err}
	}

	if len(entries) == 0 {
		return nil, &ExtractionError{Op: "ListVideos", Target: channelURL, Err: ErrNoEntries}
	}

	return entries, nil
}

func excludeSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// collectEntries flattens nested playlists (channel tabs) into a list of
// videos, dropping duplicates and anything excluded.
func collectEntries(j *gabs.Container, exclude map[string]bool, out []Entry) []Entry {
	for _, e := range j.Path("entries").Children() {
		if e == nil || e.Data() == nil {
			continue
		}

		if typ, _ := e.Path("_type").Data().(string); typ == "playlist" || e.Exists("entries") {
			out = collectEntries(e, exclude, out)
			continue
		}

		u := firstString(e, "webpage_url", "url")

		id := firstString(e, "id")
		if id == "" {
			id, _ = ytutil.ExtractVideoID(u)
		}
		if id == "" || exclude[id] {
			continue
		}
		exclude[id] = true

		if u == "" || !strings.HasPrefix(u, "http") {
			u = ytutil.WatchURL(id)
		}

		out = append(out, Entry{
			ID:    id,
			Title: firstString(e, "title", "fulltitle"),
			URL:   u,
		})
	}

	return out
}

// FetchCaptions reads the automatic caption tracks of a video without
// downloading it.
func (c *Client) FetchCaptions(ctx context.Context, videoURL string) (*Captions, error) {
	args, err := c.command([]string{"-J", "--skip-download", "--no-playlist"}, videoURL)
	if err != nil {
		return nil, &ExtractionError{Op: "FetchCaptions", Target: videoURL, Err: err}
	}

	j, err := c.runJSON(ctx, args)
	if err != nil {
		return nil, &ExtractionError{Op: "FetchCaptions", Target: videoURL, Err: err}
	}

	captions := &Captions{Tracks: make(map[string][]CaptionFormat)}

	for lang, track := range j.Path("automatic_captions").ChildrenMap() {
		var formats []CaptionFormat

		for _, f := range track.Children() {
			u := firstString(f, "url")
			if u == "" {
				continue
			}

			formats = append(formats, CaptionFormat{
				Ext:  firstString(f, "ext"),
				URL:  u,
				Name: firstString(f, "name"),
			})
		}

		if len(formats) > 0 {
			captions.Tracks[lang] = formats
		}
	}

	captions.Available = len(captions.Tracks) > 0

	return captions, nil
}

// FetchBytes downloads a caption payload using the context HTTP client.
func (c *Client) FetchBytes(ctx context.Context, u string) ([]byte, error) {
	res, err := ctxhttpclient.Get(ctx, u)
	if err != nil {
		return nil, &ExtractionError{Op: "FetchBytes", Target: u, Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, &ExtractionError{Op: "FetchBytes", Target: u, Err: ErrNotFound}
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &ExtractionError{Op: "FetchBytes", Target: u, Err: ErrRateLimited}
	case res.StatusCode != http.StatusOK:
		return nil, &ExtractionError{Op: "FetchBytes", Target: u, Err: fmt.Errorf("status code: %d", res.StatusCode)}
	}

	d, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &ExtractionError{Op: "FetchBytes", Target: u, Err: err}
	}

	return d, nil
}
