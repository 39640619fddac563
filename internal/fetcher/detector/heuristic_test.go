package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	cases := []struct {
		name string
		resp catalog.FetchResponse
		want bool
	}{
		{"empty body", catalog.FetchResponse{StatusCode: 200}, true},
		{"spa marker", catalog.FetchResponse{StatusCode: 200, Body: []byte(`<div id="__next"></div><img src="a.png">`)}, true},
		{"script density", catalog.FetchResponse{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><img src=x></html>`)}, true},
		{"no image markup", catalog.FetchResponse{StatusCode: 200, Body: []byte(`<html><body><p>loading gallery</p></body></html>`)}, true},
		{"static gallery", catalog.FetchResponse{StatusCode: 200, Body: []byte(`<html><body><IMG src="a.png" width="300"><p>caption text long enough</p></body></html>`)}, false},
		{"non 2xx", catalog.FetchResponse{StatusCode: 404, Body: []byte("not found")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicDefaultsThreshold(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultBodyLengthThreshold, NewHeuristic(0).BodyLengthThreshold)
}
