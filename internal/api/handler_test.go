package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gisement-io/gisement/internal/assetcache"
	"github.com/gisement-io/gisement/internal/config"
	"github.com/gisement-io/gisement/internal/engine"
	"github.com/gisement-io/gisement/internal/imaging"
	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/metrics"
	"github.com/gisement-io/gisement/internal/source"
	"github.com/gisement-io/gisement/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret    = "s3cr3t"
	productsCol   = "col-products"
	productsTable = "Gisement"
)

type fakeImages struct {
	calls    int
	body     []byte
	err      error
	streamed []byte
}

func (f *fakeImages) Descriptor(sourceURL string) ir.AssetDescriptor {
	return ir.AssetDescriptor{SourceURL: sourceURL, MaxWidth: 1600, Format: "jpeg", Quality: 80, MaxBytes: 4 << 20}
}

func (f *fakeImages) Normalize(_ context.Context, sourceURL string) (*imaging.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &imaging.Result{Body: f.body, ContentType: imaging.ContentType, Width: 10, Height: 10}, nil
}

func (f *fakeImages) Stream(_ context.Context, sourceURL string, w io.Writer) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	_, err := w.Write(f.streamed)
	return imaging.ContentType, err
}

func newTestBatch(t *testing.T) (*engine.Orchestrator, *source.Memory, *target.Memory) {
	t.Helper()
	cfg := &config.Config{}
	require.NoError(t, cfg.LoadFieldTable(""))
	table := &cfg.FieldTable

	src := source.NewMemory(table, productsTable)
	dst := target.NewMemory()
	dst.AddSchema(&ir.CollectionSchema{ID: productsCol, Fields: []ir.SchemaField{{ID: "f-name", Slug: "name", Type: "PlainText"}}})

	o := engine.NewOrchestrator(src, dst, table, productsCol, map[string]string{}, engine.DefaultSettlePolicy())
	o.Mapper.Suffix = func() int { return 7 }
	fast := &engine.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	o.Resolver.Retry = fast
	o.Provisioner.Retry = fast
	return o, src, dst
}

func newTestHandler(t *testing.T, mode string) (*Handler, *fakeImages, *source.Memory, *target.Memory) {
	t.Helper()
	o, src, dst := newTestBatch(t)
	cache, err := assetcache.NewMemory(8)
	require.NoError(t, err)
	images := &fakeImages{body: []byte("jpeg-bytes"), streamed: []byte("streamed-jpeg")}
	h := New(Options{
		Secret:    testSecret,
		ProxyMode: mode,
		Batcher:   o,
		Images:    images,
		Cache:     cache,
		Metrics:   metrics.New(),
	})
	return h, images, src, dst
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProxy_MissingURL(t *testing.T) {
	h, images, _, _ := newTestHandler(t, ModeBuffered)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url=", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No URL provided\n", rec.Body.String())
	assert.Zero(t, images.calls)
}

func TestProxy_BufferedServesFromCache(t *testing.T) {
	h, images, _, _ := newTestHandler(t, ModeBuffered)
	path := "/api/sync?" + url.Values{"proxy_url": {"https://img.example.com/a b.png"}}.Encode()

	for i := 0; i < 2; i++ {
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
		assert.Equal(t, "10", rec.Header().Get("Content-Length"))
		assert.Equal(t, "jpeg-bytes", rec.Body.String())
	}
	assert.Equal(t, 1, images.calls, "second request is a cache hit")
}

func TestProxy_DoubleEncodedURL(t *testing.T) {
	h, _, _, _ := newTestHandler(t, ModeBuffered)
	cache := h.opts.Cache.(*assetcache.Memory)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url=https%253A%252F%252Fimg.example.com%252Fa.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	key := assetcache.Key(h.opts.Images.Descriptor("https://img.example.com/a.png"))
	_, ok, _ := cache.Get(context.Background(), key)
	assert.True(t, ok)
}

func TestProxy_BufferedFailure(t *testing.T) {
	h, images, _, _ := newTestHandler(t, ModeBuffered)
	images.err = errors.New("dial tcp: refused")

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url=https://img.example.com/a.png", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error fetching or processing image\n", rec.Body.String())
	assert.Equal(t, 0, h.opts.Cache.(*assetcache.Memory).Len())
}

func TestProxy_Stream(t *testing.T) {
	h, images, _, _ := newTestHandler(t, ModeStream)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url=https://img.example.com/a.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Equal(t, "streamed-jpeg", rec.Body.String())

	images.err = imaging.ErrFetch
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url=https://img.example.com/b.png", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error fetching or processing image")
}

func TestProxy_Off(t *testing.T) {
	h, images, _, _ := newTestHandler(t, ModeOff)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url=https://img.example.com/a.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, images.calls)
}

func TestProxy_RealNormalizer(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 400, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var src bytes.Buffer
	require.NoError(t, png.Encode(&src, img))
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src.Bytes())
	}))
	defer origin.Close()

	opts := imaging.DefaultOptions()
	opts.MaxWidth = 100
	h := New(Options{Secret: testSecret, Images: imaging.New(opts, origin.Client())})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?proxy_url="+url.QueryEscape(origin.URL+"/p.png"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decoded, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy())
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestBatch_Unauthorized(t *testing.T) {
	h, _, _, dst := newTestHandler(t, ModeBuffered)

	for _, q := range []string{"", "?secret=wrong", "?secret="} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync"+q, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, q)
		assert.Equal(t, map[string]any{"error": "Unauthorized"}, decodeJSON(t, rec))
	}

	open := New(Options{Batcher: h.opts.Batcher})
	rec := serve(open, httptest.NewRequest(http.MethodGet, "/api/sync?secret=", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "an unset secret rejects everything")
	assert.Zero(t, dst.TotalCalls())
}

func TestBatch_NothingToSync(t *testing.T) {
	h, _, _, _ := newTestHandler(t, ModeBuffered)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?secret="+testSecret, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "Nothing to sync.", body["message"])
	assert.Contains(t, body["logs"], "Nothing to sync.")
}

func TestBatch_SuccessRewritesAssets(t *testing.T) {
	h, _, src, dst := newTestHandler(t, ModeBuffered)
	src.Add(productsTable, &ir.SourceRecord{ID: "rec1", Fields: map[string]any{
		"Nom affiché":      "Chaise",
		"Status SYNC":      "A Publier",
		"Image principale": []any{map[string]any{"url": "https://dl.airtable.com/c.jpg"}},
	}})

	req := httptest.NewRequest(http.MethodPost, "/api/sync?secret="+testSecret, nil)
	req.Host = "shop.example.com"
	req.Header.Set("X-Forwarded-Proto", "http, https")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["runId"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "published", first["state"])
	assert.Equal(t, "chaise-7", first["slug"])

	item := dst.Item(productsCol, first["itemId"].(string))
	require.NotNil(t, item)
	img, err := url.Parse(item.FieldData["image-principale"].(map[string]any)["url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "http", img.Scheme)
	assert.Equal(t, "shop.example.com", img.Host)
	assert.Equal(t, "/api/sync", img.Path)
	assert.Equal(t, "https://dl.airtable.com/c.jpg", img.Query().Get("proxy_url"))
}

func TestBatch_ProxyOffKeepsAssetURLs(t *testing.T) {
	h, _, src, dst := newTestHandler(t, ModeOff)
	src.Add(productsTable, &ir.SourceRecord{ID: "rec1", Fields: map[string]any{
		"Nom affiché":      "Chaise",
		"Status SYNC":      "A Publier",
		"Image principale": []any{map[string]any{"url": "https://dl.airtable.com/c.jpg"}},
	}})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?secret="+testSecret, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	items := dst.Items(productsCol)
	require.Len(t, items, 1)
	assert.Equal(t, "https://dl.airtable.com/c.jpg", items[0].FieldData["image-principale"].(map[string]any)["url"])
}

func TestBatch_FatalFailure(t *testing.T) {
	h, _, src, _ := newTestHandler(t, ModeBuffered)
	src.Fail("Select", errors.New("airtable down"))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/sync?secret="+testSecret, nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeJSON(t, rec)
	assert.Contains(t, body["error"], "airtable down")
	assert.NotEmpty(t, body["logs"])
}

func TestRoutes(t *testing.T) {
	h, _, _, _ := newTestHandler(t, ModeBuffered)
	mux := h.Routes()

	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/?proxy_url=https://img.example.com/a.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gisement_proxy_requests_total{mode="buffered",outcome="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `gisement_asset_cache_lookups_total{result="miss"} 1`)
}
