package ctxhttpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHTTPClientDefault(t *testing.T) {
	assert.Same(t, http.DefaultClient, GetHTTPClient(context.Background()))
}

func TestGet(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		agent = req.Header.Get("user-agent")
		rw.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := srv.Client()
	ctx := WithHTTPClient(context.Background(), client)
	a.Same(client, GetHTTPClient(ctx))

	res, err := Get(ctx, srv.URL)
	r.NoError(err)
	defer res.Body.Close()

	d, err := io.ReadAll(res.Body)
	r.NoError(err)

	a.Equal("hello", string(d))
	a.Equal(UserAgent, agent)
}

func TestGetBadURL(t *testing.T) {
	_, err := Get(context.Background(), "://nope")
	assert.Error(t, err)
}
