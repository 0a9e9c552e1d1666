package ytutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const baseURL = "https://www.youtube.com"

var (
	channelIDPattern = regexp.MustCompile(`^UC[-_a-zA-Z0-9]{22}$`)
	videoIDPattern   = regexp.MustCompile(`^[-_a-zA-Z0-9]{11}$`)
	handlePattern    = regexp.MustCompile(`^@[-_.a-zA-Z0-9]{1,100}$`)
)

func isYouTubeHost(host string) bool {
	switch strings.ToLower(host) {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "music.youtube.com":
		return true
	}

	return false
}

// ChannelURL turns a configured channel reference (a channel URL, a bare
// channel id or an @handle) into a URL the extractor accepts.
func ChannelURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("ytutil.ChannelURL: empty channel reference")
	}

	if channelIDPattern.MatchString(ref) {
		return baseURL + "/channel/" + ref, nil
	}

	if handlePattern.MatchString(ref) {
		return baseURL + "/" + ref, nil
	}

	if !strings.Contains(ref, "://") && strings.Contains(ref, "/") {
		ref = "https://" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("ytutil.ChannelURL: could not parse %q: %w", ref, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("ytutil.ChannelURL: %q is not a channel id, handle or url", ref)
	}

	return u.String(), nil
}

// ExtractChannelID returns the channel id from a bare id or a /channel/ URL.
func ExtractChannelID(urlOrID string) (string, error) {
	if channelIDPattern.MatchString(urlOrID) {
		return urlOrID, nil
	}

	if parsed, err := url.Parse(urlOrID); err == nil && isYouTubeHost(parsed.Host) {
		if parsed.Path == "/channel" || strings.HasPrefix(parsed.Path, "/channel/") {
			id := parsed.Query().Get("channel_id")

			if id == "" {
				parts := strings.Split(parsed.Path, "/")
				if len(parts) >= 3 {
					id = parts[2]
				}
			}

			if !channelIDPattern.MatchString(id) {
				return "", fmt.Errorf("ytutil.ExtractChannelID: invalid channel id %q", id)
			}

			return id, nil
		}
	}

	return "", fmt.Errorf("ytutil.ExtractChannelID: invalid url or id; could not find a known pattern")
}

func ExtractVideoID(urlOrID string) (string, error) {
	if videoIDPattern.MatchString(urlOrID) {
		return urlOrID, nil
	}

	parsed, err := url.Parse(urlOrID)
	if err != nil {
		return "", fmt.Errorf("ytutil.ExtractVideoID: %w", err)
	}

	var id string

	switch {
	case isYouTubeHost(parsed.Host) && parsed.Path == "/watch":
		id = parsed.Query().Get("v")
		if id == "" {
			return "", fmt.Errorf("ytutil.ExtractVideoID: no v query parameter in youtube.com url")
		}
	case isYouTubeHost(parsed.Host) && strings.HasPrefix(parsed.Path, "/shorts/"):
		id = strings.TrimPrefix(parsed.Path, "/shorts/")
	case parsed.Host == "youtu.be":
		id = strings.TrimPrefix(parsed.Path, "/")
	default:
		return "", fmt.Errorf("ytutil.ExtractVideoID: invalid url or id; could not find a known pattern")
	}

	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("ytutil.ExtractVideoID: invalid video id %q; length should be 11", id)
	}

	return id, nil
}

func WatchURL(id string) string {
	return baseURL + "/watch?v=" + url.QueryEscape(id)
}
