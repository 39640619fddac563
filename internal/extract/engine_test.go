package extract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	fail   map[string]error
	calls  []string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (catalog.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rawURL)
	if err, ok := s.fail[rawURL]; ok {
		return catalog.FetchResponse{}, &catalog.FetchError{URL: rawURL, Err: err}
	}
	body, ok := s.bodies[rawURL]
	if !ok {
		return catalog.FetchResponse{}, &catalog.FetchError{URL: rawURL, StatusCode: http.StatusNotFound, Err: errors.New("not found")}
	}
	return catalog.FetchResponse{URL: rawURL, StatusCode: http.StatusOK, Body: body}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

const galleryHTML = `<!doctype html>
<html><head>
<title>Site Title</title>
<meta name="keywords" content="cats, kittens ,cats">
</head><body>
<div class="gallery"><h1> Summer   Cats </h1></div>
<img src="/img/plain.jpg" width="400" height="300">
<img src="/img/small.jpg" data-src="//cdn.example.com/lazy.jpg" width="200" height="200">
<img srcset="/img/s-1x.jpg 1x, /img/s-2x.jpg 2x" width="300" height="300">
<a href="/full/big.png"><img src="/thumb/big.png" width="100" height="100"></a>
<a href="/post/42"><img src="/img/linked-page.jpg" width="100" height="100"></a>
<picture><source srcset="/img/pic-800.webp 800w, /img/pic-1600.webp 1600w"><img src="/img/pic.jpg"></picture>
<img src="data:image/png;base64,AAAA">
<img src="/img/logo.svg">
<img src="/img/override.jpg" width="100" height="100" data-width="2000" data-height="2000">
<img src="/img/plain.jpg">
<div class="tags"><a href="/t/cats">cats</a><a href="/t/tabby">Tabby</a></div>
<a rel="category" href="/c/pets">Pets</a>
<div class="models"><a href="/models/mia">Mia</a></div>
<a href="/models/zoe">Zoe</a>
</body></html>`

func TestExtractLight(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{bodies: map[string][]byte{"https://example.com/gallery/1": []byte(galleryHTML)}}
	e, err := New(f)
	require.NoError(t, err)

	res, err := e.Extract(context.Background(), "https://example.com/gallery/1", catalog.SizeAll, catalog.ModeLight)
	require.NoError(t, err)

	var urls []string
	for _, img := range res.Images {
		urls = append(urls, img.ImageURL)
		assert.Equal(t, "https://example.com/gallery/1", img.SourceURL)
		assert.Nil(t, img.Size)
		assert.Nil(t, img.Format)
	}
	assert.Equal(t, []string{
		"https://example.com/img/plain.jpg",
		"https://cdn.example.com/lazy.jpg",
		"https://example.com/img/s-2x.jpg",
		"https://example.com/full/big.png",
		"https://example.com/img/linked-page.jpg",
		"https://example.com/img/pic-1600.webp",
		"https://example.com/img/pic.jpg",
		"https://example.com/img/override.jpg",
	}, urls)

	// Only the page itself is fetched in light mode.
	assert.Equal(t, []string{"https://example.com/gallery/1"}, f.calls)

	assert.Equal(t, "Summer Cats", res.Metadata.Title)
	assert.Equal(t, []string{"cats", "kittens", "Tabby"}, res.Metadata.Tags)
	assert.Equal(t, []string{"Pets"}, res.Metadata.Categories)
	assert.Equal(t, []string{"Mia", "Zoe"}, res.Metadata.Models)
}

func TestExtractLightSizeFilter(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{bodies: map[string][]byte{"https://example.com/g": []byte(galleryHTML)}}
	e, err := New(f)
	require.NoError(t, err)

	res, err := e.Extract(context.Background(), "https://example.com/g", catalog.SizeLarge, catalog.ModeLight)
	require.NoError(t, err)

	var names []string
	for _, img := range res.Images {
		names = append(names, img.Filename)
	}
	// Declared-small images drop; anchors and undeclared images bypass; the
	// data-width override promotes override.jpg.
	assert.Equal(t, []string{"big.png", "pic-1600.webp", "pic.jpg", "override.jpg"}, names)
}

func TestExtractHeavy(t *testing.T) {
	t.Parallel()

	page := `<html><head><title>Heavy</title></head><body>
<img src="/a.png" width="10" height="10">
<img src="/b.png">
<img src="/broken.png">
<img src="/garbage.png">
<img src="/c.png">
</body></html>`
	f := &stubFetcher{
		bodies: map[string][]byte{
			"https://example.com/p":           []byte(page),
			"https://example.com/a.png":       pngBytes(t, 600, 700),
			"https://example.com/b.png":       pngBytes(t, 100, 100),
			"https://example.com/garbage.png": []byte("not an image"),
			"https://example.com/c.png":       pngBytes(t, 1500, 500),
		},
		fail: map[string]error{"https://example.com/broken.png": errors.New("timeout")},
	}
	e, err := New(f, WithConcurrency(2))
	require.NoError(t, err)

	res, err := e.Extract(context.Background(), "https://example.com/p", catalog.SizeMedium, catalog.ModeHeavy)
	require.NoError(t, err)
	require.Len(t, res.Images, 2)

	a := res.Images[0]
	assert.Equal(t, "https://example.com/a.png", a.ImageURL)
	require.NotNil(t, a.Width)
	require.NotNil(t, a.Height)
	assert.Equal(t, 600, *a.Width)
	assert.Equal(t, 700, *a.Height)
	require.NotNil(t, a.Format)
	assert.Equal(t, "png", *a.Format)
	require.NotNil(t, a.Size)
	assert.Positive(t, *a.Size)

	assert.Equal(t, "https://example.com/c.png", res.Images[1].ImageURL)
	assert.Equal(t, "Heavy", res.Metadata.Title)
}

func TestExtractUsesRendererInHeavyMode(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{bodies: map[string][]byte{
		"https://example.com/p":     []byte(`<html><body></body></html>`),
		"https://example.com/x.png": pngBytes(t, 50, 50),
	}}
	rendered := &stubFetcher{bodies: map[string][]byte{
		"https://example.com/p": []byte(`<html><body><img src="/x.png"></body></html>`),
	}}
	e, err := New(plain, WithRenderer(rendered))
	require.NoError(t, err)

	res, err := e.Extract(context.Background(), "https://example.com/p", catalog.SizeAll, catalog.ModeHeavy)
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, catalog.UnknownTitle, res.Metadata.Title)

	res, err = e.Extract(context.Background(), "https://example.com/p", catalog.SizeAll, catalog.ModeLight)
	require.NoError(t, err)
	assert.Empty(t, res.Images)
}

type promoteFunc func(catalog.FetchResponse) bool

func (f promoteFunc) ShouldPromote(resp catalog.FetchResponse) bool { return f(resp) }

func TestExtractPromoterRendersOnlyPromotedPages(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{bodies: map[string][]byte{
		"https://example.com/static": []byte(`<html><body><img src="/x.png"></body></html>`),
		"https://example.com/shell":  []byte(`<html><body><div id="app"></div></body></html>`),
		"https://example.com/x.png":  pngBytes(t, 50, 50),
	}}
	rendered := &stubFetcher{bodies: map[string][]byte{
		"https://example.com/shell": []byte(`<html><body><img src="/x.png"></body></html>`),
	}}
	promote := promoteFunc(func(resp catalog.FetchResponse) bool {
		return bytes.Contains(resp.Body, []byte(`id="app"`))
	})
	e, err := New(plain, WithRenderer(rendered), WithPromoter(promote))
	require.NoError(t, err)

	res, err := e.Extract(context.Background(), "https://example.com/static", catalog.SizeAll, catalog.ModeHeavy)
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Empty(t, rendered.calls)

	res, err = e.Extract(context.Background(), "https://example.com/shell", catalog.SizeAll, catalog.ModeHeavy)
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, []string{"https://example.com/shell"}, rendered.calls)
}

func TestExtractErrors(t *testing.T) {
	t.Parallel()

	e, err := New(&stubFetcher{fail: map[string]error{"https://example.com/down": errors.New("refused")}})
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), "https://example.com/down", catalog.SizeAll, catalog.ModeLight)
	var fe *catalog.FetchError
	require.ErrorAs(t, err, &fe)

	_, err = e.Extract(context.Background(), "not a url", catalog.SizeAll, catalog.ModeLight)
	var pe *catalog.ParseError
	require.ErrorAs(t, err, &pe)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestBestSrcset(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "b.jpg", bestSrcset("a.jpg 480w, b.jpg 1024w, c.jpg 800w"))
	assert.Equal(t, "hi.jpg", bestSrcset("lo.jpg, hi.jpg 2x"))
	assert.Equal(t, "", bestSrcset(""))
	assert.Equal(t, "https://cdn.example.com/w_1600,h_900/cat.jpg",
		bestSrcset("https://cdn.example.com/w_800,h_450/cat.jpg 800w, https://cdn.example.com/w_1600,h_900/cat.jpg 1600w"))
	assert.Equal(t, "hi.jpg", bestSrcset("lo.jpg 1x,hi.jpg 2x"))
	assert.Equal(t, "/c,d.jpg", bestSrcset("/a.jpg 1x,/c,d.jpg 3x"))
}
