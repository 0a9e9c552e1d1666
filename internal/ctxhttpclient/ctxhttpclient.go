package ctxhttpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/ctxclock"
	"fknsrs.biz/p/ytscribe/internal/ctxlogger"
)

// UserAgent is sent with every request made through Get.
var UserAgent = "ytscribe/1.0 (+https://fknsrs.biz/p/ytscribe)"

var httpClientKey int

func WithHTTPClient(ctx context.Context, httpClient *http.Client) context.Context {
	return context.WithValue(ctx, &httpClientKey, httpClient)
}

// GetHTTPClient returns the client carried by ctx, or http.DefaultClient.
func GetHTTPClient(ctx context.Context) *http.Client {
	if v, ok := ctx.Value(&httpClientKey).(*http.Client); ok && v != nil {
		return v
	}

	return http.DefaultClient
}

// Get issues a GET for u with the context client and logs the outcome at
// debug level. The caller closes the response body.
func Get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ctxhttpclient.Get: could not build request: %w", err)
	}

	req.Header.Set("user-agent", UserAgent)

	start, clockErr := ctxclock.Now(ctx)

	res, err := GetHTTPClient(ctx).Do(req)

	l := ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{
		"http.method": req.Method,
		"http.url":    u,
	})
	if clockErr == nil {
		l = l.WithField("http.duration", ctxclock.Since(ctx, start))
	}

	if err != nil {
		l.WithError(err).Debug("http request failed")
		return nil, fmt.Errorf("ctxhttpclient.Get: %w", err)
	}

	l.WithField("http.status", res.StatusCode).Debug("http request finished")

	return res, nil
}
