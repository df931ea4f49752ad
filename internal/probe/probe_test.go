package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apacheListing = `<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 3.2 Final//EN">
<html><head><title>Index of /pub</title></head>
<body><h1>Index of /pub</h1>
<pre><a href="?C=N;O=D">Name</a>  <a href="?C=M;O=A">Last modified</a>
<a href="/">Parent Directory</a>
<a href="debian.iso">debian.iso</a>  2020-01-02 10:00  650M
<a href="docs/">docs/</a>            2020-01-02 10:00  -
</pre></body></html>`

const untitledListing = `<html><body><pre>
<a href="../">../</a>
<a href="a.iso">a.iso</a>
<a href="b/">b/</a>
</pre></body></html>`

const wordpressPage = `<html><head><title>Index of nothing</title>
<meta name="generator" content="WordPress 6.4">
</head><body><a href="/files/a.zip">a</a></body></html>`

const homepage = `<html><head><title>Welcome</title></head><body>
<a href="/about">About</a><a href="/contact">Contact</a>
<a href="https://twitter.com/x">Twitter</a>
</body></html>`

const loginPage = `<html><head><title>Files</title></head><body>
<form><input type="text" name="user"><input type="password" name="pw"></form>
<a href="../">up</a><a href="a.iso">a.iso</a></body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
				t.Errorf("unexpected user agent %q", ua)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/pub/", serve(apacheListing))
	mux.HandleFunc("/files/", serve(untitledListing))
	mux.HandleFunc("/blog/", serve(wordpressPage))
	mux.HandleFunc("/login/", serve(loginPage))
	mux.HandleFunc("/home/", serve(homepage))
	mux.HandleFunc("/binary/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0, 1, 2})
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/slow/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProberAcceptsListings(t *testing.T) {
	srv := newServer(t)
	p := NewHTTPProber(srv.Client())

	for _, path := range []string{"/pub/", "/files/"} {
		assert.NoError(t, p.Probe(context.Background(), srv.URL+path), path)
	}
}

func TestHTTPProberRejections(t *testing.T) {
	srv := newServer(t)
	p := NewHTTPProber(srv.Client())

	cases := map[string]string{
		"/blog/":    "heuristic",
		"/login/":   "heuristic",
		"/home/":    "heuristic",
		"/binary/":  "content_type",
		"/missing/": "status",
	}
	for path, reason := range cases {
		err := p.Probe(context.Background(), srv.URL+path)
		require.Error(t, err, path)
		assert.Equal(t, reason, Reason(err), path)
	}
}

func TestHTTPProberTimeout(t *testing.T) {
	srv := newServer(t)
	p := NewHTTPProber(srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Probe(ctx, srv.URL+"/slow/")
	require.Error(t, err)
	assert.Equal(t, "timeout", Reason(err))
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := NewHTTPProber(nil).Probe(context.Background(), addr+"/files/")
	require.Error(t, err)
	assert.Equal(t, "transport", Reason(err))
}

func TestClassifyMostlyExternal(t *testing.T) {
	html := `<html><body><a href="a.iso">a</a>
<a href="https://x.com/">x</a><a href="https://y.com/">y</a></body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	base, _ := url.Parse("http://example.com/files/")

	err = Classify(doc, base)
	assert.True(t, errors.Is(err, ErrNotOpenDirectory))
}

func TestClassifyManyInTreeLinksWithoutParent(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body><pre>")
	for _, name := range []string{"a.iso", "b.iso", "c.iso", "d.iso", "e/"} {
		b.WriteString(`<a href="` + name + `">` + name + "</a>\n")
	}
	b.WriteString("</pre></body></html>")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(b.String()))
	require.NoError(t, err)
	base, _ := url.Parse("http://example.com/files/")

	assert.NoError(t, Classify(doc, base))
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/", parentDir("/files/"))
	assert.Equal(t, "/files/", parentDir("/files/sub/"))
	assert.Equal(t, "/", parentDir("/"))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "ok", Reason(nil))
	assert.Equal(t, "status", Reason(&StatusError{Code: 500}))
	assert.Equal(t, "transport", Reason(errors.New("dial tcp: refused")))
}
