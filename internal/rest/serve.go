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

// Package rest serves the pipeline over HTTP. Requests name an input file
// relative to the working directory, and receive statistics, sky and
// detection summaries as JSON, catalogs as text tables, or the streamed
// log of an arbitrary operator pipeline.
package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/data"
	"github.com/mlnoga/skymesh/internal/detect"
	"github.com/mlnoga/skymesh/internal/measure"
	"github.com/mlnoga/skymesh/internal/mesh"
	"github.com/mlnoga/skymesh/internal/ops"
	"github.com/mlnoga/skymesh/internal/ops/post"
	"github.com/mlnoga/skymesh/internal/ops/pre"
	"github.com/mlnoga/skymesh/internal/segment"
	"github.com/mlnoga/skymesh/internal/stats"
	"github.com/mlnoga/skymesh/internal/table"
	"github.com/mlnoga/skymesh/web"
)

// An HTTP server over a shared execution context and cache
type Server struct {
	Engine *gin.Engine
	cfg    *config.Config
	ctx    *ops.Context
	cache  *Cache
}

// Creates the server and its routes. File names in requests are confined
// to the working directory tree
func NewServer(cfg *config.Config, c *ops.Context) (*Server, error) {
	cache, err := NewCache(cfg.Server.CacheSizeMB, time.Duration(cfg.Server.CacheTTLMinute)*time.Minute, cfg.Server.CacheEntries)
	if err != nil {
		return nil, err
	}
	ctx := *c
	ctx.SandboxPaths = true
	s := &Server{cfg: cfg, ctx: &ctx, cache: cache}

	r := gin.New()
	r.Use(gin.Recovery())
	if c.Log != nil {
		r.Use(gin.LoggerWithWriter(c.Log))
	}
	r.GET("/", getIndex)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/cache", s.getCache)
			v1.POST("/stats", s.postStats)
			v1.POST("/sky", s.postSky)
			v1.POST("/detect", s.postDetect)
			v1.POST("/segment", s.postSegment)
			v1.POST("/catalog", s.postCatalog)
			v1.POST("/pipeline", s.postPipeline)
		}
	}
	s.Engine = r
	return s, nil
}

// Listens and serves on the configured port
func (s *Server) Run() error {
	return s.Engine.Run(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// Releases the cache
func (s *Server) Close() error {
	return s.cache.Close()
}

// Creates a server and serves until an error occurs
func Serve(cfg *config.Config, c *ops.Context) error {
	s, err := NewServer(cfg, c)
	if err != nil {
		return err
	}
	defer s.Close()
	if c.Log != nil {
		fmt.Fprintf(c.Log, "Serving on port %d\n", cfg.Server.Port)
	}
	return s.Run()
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func (s *Server) getCache(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Arguments common to all processing endpoints. Missing entries take the
// server's configured defaults
type request struct {
	FileName   string         `json:"fileName"`
	HDU        string         `json:"hdu"`
	FWHM       float64        `json:"fwhm"`
	Truncation float64        `json:"truncation"`
	NumBins    int            `json:"numBins"`
	Mesh       mesh.Config    `json:"mesh"`
	Detect     detect.Config  `json:"detect"`
	Segment    segment.Config `json:"segment"`
	Measure    measure.Config `json:"measure"`
	Clumps     bool           `json:"clumps"`
}

// Decodes a request over the defaults. Also returns the raw body for cache keys
func (s *Server) bind(c *gin.Context) (*request, []byte, bool) {
	req := &request{
		FWHM:       s.cfg.Convolve.KernelFWHM,
		Truncation: s.cfg.Convolve.KernelTruncation,
		NumBins:    100,
		Mesh:       s.cfg.Mesh,
		Detect:     s.cfg.Detect,
		Segment:    s.cfg.Segment,
		Measure:    s.cfg.Measure,
	}
	raw, err := c.GetRawData()
	if err == nil {
		err = json.Unmarshal(raw, req)
	}
	if err == nil {
		req.Detect.Mesh = req.Mesh
	}
	if err == nil && req.FileName == "" {
		err = errors.New("missing fileName")
	}
	if err == nil && s.ctx.SandboxPaths && !ops.IsPathAllowed(req.FileName) {
		err = errors.New("fileName outside current directory tree")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return req, raw, true
}

// Processing stages, each including its predecessors
type stage int

const (
	stageLoad stage = iota
	stageSky
	stageDetect
	stageSegment
	stageCatalog
)

// Loads the requested image through the cache and runs it up to the given stage
func (s *Server) run(req *request, upTo stage) (*ops.Frame, error) {
	c := s.ctx
	img, err := s.cache.Image(req.FileName, req.HDU, c.Alloc, func(fileName, hdu string) (*data.Buffer, error) {
		return ops.LoadImage(fileName, hdu, c)
	})
	if err != nil {
		return nil, err
	}
	f := &ops.Frame{FileName: req.FileName, Image: img}

	var steps []ops.OperatorUnary
	if upTo == stageSky {
		steps = append(steps, pre.NewOpSky(req.Mesh, false))
	}
	if upTo >= stageDetect {
		steps = append(steps, pre.NewOpConvolve(req.FWHM, req.Truncation, s.cfg.Convolve.KernelFile),
			post.NewOpDetect(req.Detect))
	}
	if upTo >= stageSegment {
		steps = append(steps, post.NewOpSegment(req.Segment))
	}
	if upTo >= stageCatalog {
		steps = append(steps, post.NewOpCatalog(req.Measure, "", req.Clumps))
	}
	for _, step := range steps {
		out, err := step.Apply(f, c)
		if err != nil {
			f.Free()
			return nil, err
		}
		f = out
	}
	return f, nil
}

// Replaces values JSON cannot represent by null
func num(x float64) any {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}

func nums(xs []float32) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = num(float64(x))
	}
	return out
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
}

func (s *Server) postStats(c *gin.Context) {
	req, _, ok := s.bind(c)
	if !ok {
		return
	}
	f, err := s.run(req, stageLoad)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Free()

	sorted := stats.SortedValues(f.Image, nil)
	sum := stats.DescribeSorted(sorted)
	res := gin.H{
		"fileName": req.FileName,
		"size":     f.DimensionsToString(),
		"n":        sum.N,
		"min":      num(sum.Min),
		"max":      num(sum.Max),
		"mean":     num(sum.Mean),
		"std":      num(sum.Std),
		"median":   num(sum.Median),
		"mad":      num(sum.MAD),
	}
	if req.NumBins > 0 && sum.N > 0 {
		bins := make([]float64, req.NumBins)
		stats.Histogram(sorted, sum.Min, sum.Max, bins)
		res["histogram"] = bins
		if mode, std, err := stats.FitHistogramPeak(bins, sum.Min, sum.Max); err == nil {
			res["peakMode"], res["peakStd"] = num(mode), num(std)
		}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) postSky(c *gin.Context) {
	req, _, ok := s.bind(c)
	if !ok {
		return
	}
	f, err := s.run(req, stageSky)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Free()

	sky, err := f.SkyPlane.Buffer()
	if err != nil {
		s.fail(c, err)
		return
	}
	std, err := f.StdPlane.Buffer()
	if err != nil {
		s.fail(c, err)
		return
	}
	tiles := make([]int, len(sky.Dsize))
	for i := range tiles {
		tiles[i] = sky.Dsize[len(sky.Dsize)-1-i]
	}
	c.JSON(http.StatusOK, gin.H{
		"fileName":  req.FileName,
		"tiles":     tiles,
		"skyMedian": num(f.SkyPlane.Median()),
		"stdMedian": num(f.StdPlane.Median()),
		"sky":       nums(data.Slice[float32](sky)),
		"std":       nums(data.Slice[float32](std)),
	})
}

func (s *Server) postDetect(c *gin.Context) {
	req, _, ok := s.bind(c)
	if !ok {
		return
	}
	f, err := s.run(req, stageDetect)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Free()
	d := f.Detection
	c.JSON(http.StatusOK, gin.H{
		"fileName":      req.FileName,
		"numDetections": d.NumDetections,
		"numNoise":      d.NumNoise,
		"snCut":         num(d.SNCut),
		"iterations":    d.Iterations,
		"skyMedian":     num(d.SkyPlane.Median()),
		"stdMedian":     num(d.StdPlane.Median()),
	})
}

func (s *Server) postSegment(c *gin.Context) {
	req, _, ok := s.bind(c)
	if !ok {
		return
	}
	f, err := s.run(req, stageSegment)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Free()
	seg := f.Segments
	c.JSON(http.StatusOK, gin.H{
		"fileName":      req.FileName,
		"numDetections": f.Detection.NumDetections,
		"numObjects":    seg.NumObjects,
		"numClumps":     seg.NumClumps,
		"clumpSNCut":    num(seg.ClumpSNCut),
		"pairs":         seg.Pairs,
	})
}

// Returns the objects or clumps catalog as a text table. Responses are
// cached until the input file changes
func (s *Server) postCatalog(c *gin.Context) {
	req, raw, ok := s.bind(c)
	if !ok {
		return
	}
	key, err := ResponseKey("catalog", raw, req.FileName)
	if err != nil {
		s.fail(c, err)
		return
	}
	if payload, hit := s.cache.GetResponse(key); hit {
		c.Header("X-Cache", "HIT")
		c.Data(http.StatusOK, "text/plain; charset=utf-8", payload)
		return
	}

	f, err := s.run(req, stageCatalog)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Free()
	cols, err := f.Catalog.Columns(req.Clumps)
	if err != nil {
		s.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := table.WriteTo(&buf, cols, post.CatalogComments(f, req.Measure)); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.cache.SetResponse(key, buf.Bytes()); err != nil && s.ctx.Log != nil {
		fmt.Fprintf(s.ctx.Log, "Warning: catalog not cached: %s\n", err.Error())
	}
	c.Header("X-Cache", "MISS")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

// Runs an operator pipeline given as JSON, streaming its log as text
func (s *Server) postPipeline(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := ops.UnmarshalOperator(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Arguments:\n", "\n", op); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	ctx := *s.ctx
	ctx.Log = logWriter
	promises, err := op.MakePromises(nil, &ctx)
	if err == nil {
		_, err = ops.MaterializeAll(promises, 1, true)
	}
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	logWriter.Flush()
}
