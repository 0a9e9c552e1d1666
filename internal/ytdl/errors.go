package ytdl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("ytdl: not found")
	ErrRateLimited  = errors.New("ytdl: rate limited")
	ErrNotInstalled = errors.New("ytdl: yt-dlp executable not found")
	// ErrNoEntries means a listing succeeded but had nothing new to report.
	ErrNoEntries = errors.New("ytdl: no new entries")
)

// ExtractionError is a failed call against one channel or video.
type ExtractionError struct {
	Op     string
	Target string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("ytdl.%s: %s: %s", e.Op, e.Target, e.Err.Error())
}

func (e *ExtractionError) Unwrap() error { return e.Err }

var stderrClasses = []struct {
	err      error
	patterns []string
}{
	{ErrRateLimited, []string{"HTTP Error 429", "Too Many Requests", "rate-limited"}},
	{ErrNotFound, []string{"HTTP Error 404", "does not exist", "Video unavailable", "This channel is not available", "Unsupported URL"}},
}

// classify picks a sentinel for well-known yt-dlp complaints and otherwise
// keeps the last line of stderr, which is where yt-dlp puts its ERROR line.
func classify(err error, stderr string) error {
	for _, c := range stderrClasses {
		for _, p := range c.patterns {
			if strings.Contains(stderr, p) {
				return fmt.Errorf("%w: %s", c.err, lastLine(stderr))
			}
		}
	}

	if line := lastLine(stderr); line != "" {
		return fmt.Errorf("%w: %s", err, line)
	}

	return err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
