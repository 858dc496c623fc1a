// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/fits"
	"github.com/mlnoga/skymesh/internal/ops"
)

// Changes into a fresh directory holding a point source on noise as in.fits
func setupServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	wd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	d := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(7)}
	xs := make([]float32, 128*128)
	for i := range xs {
		xs[i] = 10 + float32(d.Rand())
	}
	xs[64*128+64] += 100
	img, _ := data.FromSlice(xs, 128, 128)
	if err := fits.WriteImage(img, "in.fits", "", nil); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Mesh.MeanQDiff = 0.2
	cfg.Detect.Mesh = cfg.Mesh
	cfg.Detect.MinNumFalse = 3
	cfg.Detect.MinNoiseSamples = 20
	cfg.Convolve.KernelTruncation = 3
	cfg.Server.CacheSizeMB = 8
	c, err := ops.NewContext(nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(cfg, c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding %s: %v", w.Body.String(), err)
	}
	return m
}

func TestPing(t *testing.T) {
	s := setupServer(t)
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "pong") {
		t.Errorf("%d %s", w.Code, w.Body.String())
	}
}

func TestIndex(t *testing.T) {
	s := setupServer(t)
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/api/v1/catalog") {
		t.Errorf("%d %s", w.Code, w.Body.String())
	}
}

func TestStats(t *testing.T) {
	s := setupServer(t)
	w := postJSON(s, "/api/v1/stats", `{"fileName":"in.fits","numBins":50}`)
	if w.Code != http.StatusOK {
		t.Fatalf("%d %s", w.Code, w.Body.String())
	}
	m := decode(t, w)
	if m["n"] != float64(128*128) || m["size"] != "128x128" {
		t.Errorf("n %v size %v", m["n"], m["size"])
	}
	if med, _ := m["median"].(float64); med < 9.8 || med > 10.2 {
		t.Errorf("median %v; want 10", m["median"])
	}
	if bins, _ := m["histogram"].([]any); len(bins) != 50 {
		t.Errorf("%d bins; want 50", len(bins))
	}
}

func TestRejectsBadRequests(t *testing.T) {
	s := setupServer(t)
	for _, body := range []string{
		`{"fileName":"../in.fits"}`,
		`{"fileName":"/etc/passwd"}`,
		`{"hdu":"1"}`,
		`{"fileName":`,
	} {
		if w := postJSON(s, "/api/v1/stats", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d; want %d", body, w.Code, http.StatusBadRequest)
		}
	}
	if w := postJSON(s, "/api/v1/stats", `{"fileName":"missing.fits"}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing file: status %d", w.Code)
	}
}

func TestSkyAndDetect(t *testing.T) {
	s := setupServer(t)
	w := postJSON(s, "/api/v1/sky", `{"fileName":"in.fits"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("%d %s", w.Code, w.Body.String())
	}
	m := decode(t, w)
	if sky, _ := m["skyMedian"].(float64); sky < 9.8 || sky > 10.2 {
		t.Errorf("sky %v; want 10", m["skyMedian"])
	}
	if tiles, _ := m["tiles"].([]any); len(tiles) != 2 || tiles[0] != 4.0 {
		t.Errorf("tiles %v; want [4 4]", m["tiles"])
	}

	w = postJSON(s, "/api/v1/detect", `{"fileName":"in.fits"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("%d %s", w.Code, w.Body.String())
	}
	if m = decode(t, w); m["numDetections"] != 1.0 {
		t.Errorf("detections %v; want 1", m["numDetections"])
	}
}

func TestCatalogCached(t *testing.T) {
	s := setupServer(t)
	body := `{"fileName":"in.fits"}`
	w := postJSON(s, "/api/v1/catalog", body)
	if w.Code != http.StatusOK {
		t.Fatalf("%d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache") != "MISS" || !strings.Contains(w.Body.String(), "OBJ_ID") {
		t.Errorf("first response %s:\n%s", w.Header().Get("X-Cache"), w.Body.String())
	}
	first := w.Body.String()

	w = postJSON(s, "/api/v1/catalog", body)
	if w.Header().Get("X-Cache") != "HIT" || w.Body.String() != first {
		t.Errorf("second response %s differs or missed", w.Header().Get("X-Cache"))
	}

	w = postJSON(s, "/api/v1/catalog", `{"fileName":"in.fits","clumps":true}`)
	if w.Header().Get("X-Cache") != "MISS" || !strings.Contains(w.Body.String(), "CLUMP_ID") {
		t.Errorf("clumps response %s", w.Header().Get("X-Cache"))
	}
}

func TestPipeline(t *testing.T) {
	s := setupServer(t)
	seq := ops.NewOpSequence(ops.NewOpLoad(0, "in.fits", ""), ops.NewOpSave("out.fits", []string{"image"}))
	body, _ := json.Marshal(seq)
	w := postJSON(s, "/api/v1/pipeline", string(body))
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "error:") {
		t.Fatalf("%d %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat("out.fits"); err != nil {
		t.Errorf("pipeline output missing: %v", err)
	}
	if w := postJSON(s, "/api/v1/pipeline", `{"type":"nonsense"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown operator: status %d", w.Code)
	}
}

func TestImageCacheCopies(t *testing.T) {
	s := setupServer(t)
	loads := 0
	load := func(fileName, hdu string) (*data.Buffer, error) {
		loads++
		return ops.LoadImage(fileName, hdu, s.ctx)
	}
	a, err := s.cache.Image("in.fits", "", nil, load)
	if err != nil {
		t.Fatal(err)
	}
	data.Slice[float32](a)[0] = -1
	b, err := s.cache.Image("in.fits", "", nil, load)
	if err != nil {
		t.Fatal(err)
	}
	if loads != 1 {
		t.Errorf("%d loads; want 1", loads)
	}
	if data.Slice[float32](b)[0] == -1 {
		t.Errorf("cached image shared with caller")
	}

	k1, _ := ResponseKey("catalog", []byte("{}"), "in.fits")
	if err := os.WriteFile("in.fits", bytes.Repeat([]byte{' '}, 2880), 0644); err != nil {
		t.Fatal(err)
	}
	k2, _ := ResponseKey("catalog", []byte("{}"), "in.fits")
	if k1 == k2 {
		t.Errorf("key unchanged after file change")
	}
}

func TestImageCacheFreesStaleImage(t *testing.T) {
	s := setupServer(t)
	var loaded []*data.Buffer
	load := func(fileName, hdu string) (*data.Buffer, error) {
		b, err := ops.LoadImage(fileName, hdu, s.ctx)
		loaded = append(loaded, b)
		return b, err
	}
	if _, err := s.cache.Image("in.fits", "", nil, load); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes("in.fits", later, later); err != nil {
		t.Fatal(err)
	}
	if _, err := s.cache.Image("in.fits", "", nil, load); err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("%d loads; want 2", len(loaded))
	}
	if loaded[0].Array != nil {
		t.Errorf("stale image still holds its storage")
	}
	if loaded[1].Array == nil {
		t.Errorf("fresh image freed")
	}
	if n := s.cache.Stats()["image_cache_len"]; n != 1 {
		t.Errorf("%v cached images; want 1", n)
	}
}
