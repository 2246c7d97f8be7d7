package browser

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecrawl/internal/config"
)

const testPage = `<!doctype html>
<html><head>
<title>Home  page</title>
<link rel="canonical" href="/home">
<link rel="stylesheet" href="/missing.css">
</head>
<body>
<a href="/a" rel="nofollow noopener">A</a>
<a href="http://other.test/">Other</a>
<img src="/logo.png">
<img src="/logo.png">
</body></html>`

func newTestLauncher(t *testing.T, probe bool) *StaticLauncher {
	t.Helper()
	cfg := config.Default().Browser
	cfg.Engine = config.EngineStatic
	cfg.ProbeResources = probe
	l, err := NewStaticLauncher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l
}

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, testPage)
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type recordedResponses struct {
	mu   sync.Mutex
	list []Response
}

func (r *recordedResponses) add(resp Response) {
	r.mu.Lock()
	r.list = append(r.list, resp)
	r.mu.Unlock()
}

func (r *recordedResponses) all() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Response(nil), r.list...)
}

func (r *recordedResponses) byURL() map[string]Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Response, len(r.list))
	for _, resp := range r.list {
		out[resp.URL] = resp
	}
	return out
}

func TestStaticSessionNavigateAndQuery(t *testing.T) {
	t.Parallel()

	srv := newTestSite(t)
	ctx := context.Background()
	sess, err := newTestLauncher(t, true).Launch(ctx)
	require.NoError(t, err)
	defer sess.Close()

	var got recordedResponses
	unsubscribe := sess.OnResponse(got.add)
	defer unsubscribe()

	require.NoError(t, sess.Navigate(ctx, srv.URL+"/", "http://ref.test/"))
	require.NoError(t, sess.WaitLoad(ctx))

	responses := got.byURL()
	require.Len(t, responses, 3)
	assert.Equal(t, Response{URL: srv.URL + "/", Status: http.StatusOK, Referer: "http://ref.test/"}, responses[srv.URL+"/"])
	assert.Equal(t, http.StatusNotFound, responses[srv.URL+"/missing.css"].Status)
	assert.Equal(t, srv.URL+"/", responses[srv.URL+"/missing.css"].Referer)
	assert.Equal(t, http.StatusOK, responses[srv.URL+"/logo.png"].Status)

	root, err := sess.Document(ctx)
	require.NoError(t, err)

	title, err := sess.QuerySelector(ctx, root, "head title")
	require.NoError(t, err)
	require.NotZero(t, title)
	text, err := sess.Text(ctx, title)
	require.NoError(t, err)
	assert.Equal(t, "Home  page", text)

	canonical, err := sess.QuerySelector(ctx, root, "head link[rel='canonical']")
	require.NoError(t, err)
	attrs, err := sess.Attributes(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, "/home", AttributeMap(attrs)["href"])

	missing, err := sess.QuerySelector(ctx, root, "head meta[name='robots']")
	require.NoError(t, err)
	assert.Zero(t, missing)

	anchors, err := sess.QuerySelectorAll(ctx, root, "a")
	require.NoError(t, err)
	require.Len(t, anchors, 2)
	attrs, err = sess.Attributes(ctx, anchors[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"href", "/a", "rel", "nofollow noopener"}, attrs)

	again, err := sess.QuerySelectorAll(ctx, root, "a")
	require.NoError(t, err)
	assert.Equal(t, anchors, again, "node ids are stable within a document")
}

func TestStaticSessionUnsubscribe(t *testing.T) {
	t.Parallel()

	srv := newTestSite(t)
	ctx := context.Background()
	sess, err := newTestLauncher(t, false).Launch(ctx)
	require.NoError(t, err)
	defer sess.Close()

	var got recordedResponses
	unsubscribe := sess.OnResponse(got.add)
	unsubscribe()

	require.NoError(t, sess.Navigate(ctx, srv.URL+"/", ""))
	assert.Empty(t, got.byURL())
}

func TestStaticSessionInvalidDestination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sess, err := newTestLauncher(t, false).Launch(ctx)
	require.NoError(t, err)
	defer sess.Close()

	for _, target := range []string{"not a url", "javascript:void(0)", "mailto:a@x.test", ""} {
		err := sess.Navigate(ctx, target, "")
		assert.ErrorIs(t, err, ErrInvalidDestination, "target %q", target)
	}
	assert.Error(t, sess.WaitLoad(ctx))
}

func TestStaticSessionDecodesCompressedBodies(t *testing.T) {
	t.Parallel()

	page := []byte("<html><head><title>Packed</title></head></html>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/gzip":
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(page)
			_ = zw.Close()
			w.Header().Set("Content-Encoding", "gzip")
		case "/br":
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(page)
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
		default:
			buf.Write(page)
		}
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)

	for _, path := range []string{"/gzip", "/br", "/plain"} {
		t.Run(path, func(t *testing.T) {
			ctx := context.Background()
			sess, err := newTestLauncher(t, false).Launch(ctx)
			require.NoError(t, err)
			defer sess.Close()

			require.NoError(t, sess.Navigate(ctx, srv.URL+path, ""))
			root, err := sess.Document(ctx)
			require.NoError(t, err)
			title, err := sess.QuerySelector(ctx, root, "title")
			require.NoError(t, err)
			text, err := sess.Text(ctx, title)
			require.NoError(t, err)
			assert.Equal(t, "Packed", text)
		})
	}
}

func TestNewLauncher(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Browser
	l, err := NewLauncher(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromeLauncher{}, l)

	cfg.Engine = config.EngineStatic
	l, err = NewLauncher(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticLauncher{}, l)

	cfg.Engine = "lynx"
	_, err = NewLauncher(cfg, nil)
	require.Error(t, err)
}

func TestAttributeMap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]string{"href": "/b", "rel": "x"}, AttributeMap([]string{"href", "/a", "rel", "x", "href", "/b", "dangling"}))
}

func TestStaticSessionBaseURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><head><title>Docs</title></head><body><a href="intro">Intro</a></body></html>`)
	})
	mux.HandleFunc("/based", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><head><base href="/manual/v2/"><title>Based</title></head><body></body></html>`)
	})
	mux.HandleFunc("/scripted-base", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><head><base href="javascript:void(0)"></head><body></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{name: "redirected to trailing slash", target: srv.URL + "/docs", want: srv.URL + "/docs/"},
		{name: "base element", target: srv.URL + "/based", want: srv.URL + "/manual/v2/"},
		{name: "non-http base ignored", target: srv.URL + "/scripted-base", want: srv.URL + "/scripted-base"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			sess, err := newTestLauncher(t, false).Launch(ctx)
			require.NoError(t, err)
			defer sess.Close()

			_, err = sess.BaseURL(ctx)
			assert.Error(t, err, "no document before navigation")

			require.NoError(t, sess.Navigate(ctx, tt.target, ""))
			_, err = sess.Document(ctx)
			require.NoError(t, err)
			base, err := sess.BaseURL(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, base)
		})
	}
}
