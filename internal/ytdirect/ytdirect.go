package ytdirect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"fknsrs.biz/p/ytscribe/internal/ctxhttpclient"
)

var (
	ErrNotFound = errors.New("ytdirect: page not found")
	ErrNoData   = errors.New("ytdirect: could not find suitable data in page")
)

func getDocument(ctx context.Context, url string) (*goquery.Document, error) {
	res, err := ctxhttpclient.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ytdirect.getDocument: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("ytdirect.getDocument: %w", ErrNotFound)
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ytdirect.getDocument: status code: %d", res.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("ytdirect.getDocument: %w", err)
	}

	return doc, nil
}

// initialData finds the JSON blob assigned to varName in an inline script.
func initialData(doc *goquery.Document, varName string) (*gabs.Container, error) {
	prefix := "var " + varName + " ="

	for _, node := range doc.Find("script").Nodes {
		if node.FirstChild == nil || node.FirstChild.Type != html.TextNode {
			continue
		}

		jsContent := strings.TrimSpace(node.FirstChild.Data)

		if !strings.HasPrefix(jsContent, prefix) {
			continue
		}

		jsContent = strings.TrimPrefix(jsContent, prefix)
		jsContent = strings.TrimSuffix(jsContent, ";")

		j, err := gabs.ParseJSON([]byte(jsContent))
		if err != nil {
			return nil, fmt.Errorf("ytdirect.initialData: %w", err)
		}

		return j, nil
	}

	return nil, nil
}

func stringAt(j *gabs.Container, path string) string {
	if j == nil {
		return ""
	}

	s, _ := j.Path(path).Data().(string)

	return s
}

type Channel struct {
	ID    string
	Title string
	URL   string
}

// ProbeChannel reads a channel's identity from its public page without
// listing any of its videos.
func ProbeChannel(ctx context.Context, channelURL string) (*Channel, error) {
	doc, err := getDocument(ctx, channelURL)
	if err != nil {
		return nil, fmt.Errorf("ytdirect.ProbeChannel: %w", err)
	}

	ch := &Channel{
		ID:    doc.Find("meta[itemprop=identifier]").AttrOr("content", ""),
		Title: doc.Find("meta[property='og:title']").AttrOr("content", ""),
		URL:   doc.Find("link[rel=canonical]").AttrOr("href", ""),
	}

	if ch.ID == "" {
		ch.ID = doc.Find("meta[itemprop=channelId]").AttrOr("content", "")
	}

	const (
		externalIDPath = "metadata.channelMetadataRenderer.externalId"
		titlePath      = "metadata.channelMetadataRenderer.title"
		channelURLPath = "metadata.channelMetadataRenderer.channelUrl"
	)

	if ch.ID == "" || ch.Title == "" || ch.URL == "" {
		j, err := initialData(doc, "ytInitialData")
		if err != nil {
			return nil, fmt.Errorf("ytdirect.ProbeChannel: %w", err)
		}

		if ch.ID == "" {
			ch.ID = stringAt(j, externalIDPath)
		}
		if ch.Title == "" {
			ch.Title = stringAt(j, titlePath)
		}
		if ch.URL == "" {
			ch.URL = stringAt(j, channelURLPath)
		}
	}

	if ch.ID == "" {
		return nil, fmt.Errorf("ytdirect.ProbeChannel: %w", ErrNoData)
	}

	if ch.URL == "" {
		ch.URL = channelURL
	}

	return ch, nil
}
