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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/mlnoga/skymesh/internal/config"
	"github.com/mlnoga/skymesh/internal/logging"
	"github.com/mlnoga/skymesh/internal/ops"
	"github.com/mlnoga/skymesh/internal/ops/post"
	"github.com/mlnoga/skymesh/internal/ops/pre"
	"github.com/mlnoga/skymesh/internal/rest"
	"github.com/mlnoga/skymesh/internal/stats"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var cfgFile = flag.String("config", "skymesh.yaml", "read pipeline configuration from YAML `file`, defaults apply if missing")

var out = flag.String("out", "out.fits", "save output layers to FITS `file`. Several inputs insert their index before the suffix")
var cat = flag.String("cat", "%auto", "save catalog to text `file`. `%auto` replaces suffix of output file with .txt")
var jpg = flag.String("jpg", "", "save colored label map preview as JPEG to `file`")
var tiff = flag.String("tiff", "", "save 16-bit preview of the first output layer as TIFF to `file`")
var check = flag.String("check", "", "save all intermediate layers as check images to FITS `file`")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")

var hdu = flag.String("hdu", "", "read input from the named or numbered HDU, empty for the first image with data")
var threads = flag.Int("threads", 0, "number of worker threads, 0=configured or all CPUs")
var tileSize = flag.Int("tileSize", 0, "tile size in pixels along every axis, 0=configured")
var fwhm = flag.Float64("fwhm", 0, "FWHM of the Gaussian convolution kernel in pixels, 0=configured")
var kernel = flag.String("kernel", "", "convolve with the kernel in FITS `file` instead of a Gaussian")
var subtract = flag.Bool("subtract", false, "subtract the estimated sky from the input (sky command)")
var clumps = flag.Bool("clumps", true, "also write the clumps catalog")
var upper = flag.Bool("upperlimit", true, "measure upper limit magnitudes with random apertures")
var bins = flag.Int("bins", 100, "number of histogram bins for the stats command")
var mirror = flag.Bool("mirror", false, "also print the mirror plots around the mode (stats command)")

var port = flag.Int("port", 0, "serve on the given port, 0=configured")
var chroot = flag.String("chroot", "", "change filesystem root to `dir` before serving (requires root)")
var setuid = flag.Int("setuid", -1, "change user ID to `uid` before serving, -1=no change")

func main() {
	logWriter := logging.Writer()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Skymesh Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stats|sky|convolve|detect|segment|catalog|serve|legal|version) (img0.fits ... imgn.fits)

Commands:
  stats    Show input image statistics, mode, clipped estimates and the fitted histogram peak
  sky      Estimate sky and noise on the tile grid, optionally subtract the sky
  convolve Convolve input images with the kernel
  detect   Detect signal in input images
  segment  Detect and segment into clumps and objects
  catalog  Detect, segment and measure objects and clumps into catalogs
  serve    Serve the pipeline over HTTP
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		if *out != "" {
			*log = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*log = ""
		}
	}
	if *cat == "%auto" {
		if *out != "" {
			*cat = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".txt"
		} else {
			*cat = ""
		}
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	switch args[0] {
	case "legal":
		fmt.Fprint(logWriter, legal)
		return
	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)
		return
	case "help", "?":
		flag.Usage()
		return
	}

	if *log != "" && args[0] != "serve" {
		if err := logging.LogAlsoToFile(*log); err != nil {
			logging.LogFatalf("Unable to open logfile '%s'\n", *log)
		}
	}
	defer logging.LogSync()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logging.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logging.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := loadConfig()
	if err != nil {
		logging.LogFatalf("Error loading configuration: %s\n", err.Error())
	}
	c, err := ops.NewContext(logWriter, cfg)
	if err != nil {
		logging.LogFatalf("Error creating context: %s\n", err.Error())
	}
	fmt.Fprintf(logWriter, "Using %d threads, %d of %d MiB physical memory for buffers in RAM\n",
		c.MaxThreads, c.BufferMB, c.MemoryMB)

	// run actions
	switch args[0] {
	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid, logWriter); err == nil {
			err = rest.Serve(cfg, c)
		}

	case "stats":
		err = cmdStats(args[1:], c, logWriter)

	case "sky", "convolve", "detect", "segment", "catalog":
		err = cmdPipeline(args[0], args[1:], cfg, c, logWriter)

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	if e := c.Alloc.Cleanup(); e != nil && err == nil {
		err = e
	}

	now := time.Now()
	elapsed := now.Sub(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			logging.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			logging.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		logging.LogFatalf("Error: %s\n", err.Error())
	}
}

// Loads the configuration file and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		return nil, err
	}
	if *threads > 0 {
		cfg.Threads = *threads
	}
	if *tileSize > 0 {
		for i := range cfg.Tile.TileSize {
			cfg.Tile.TileSize[i] = *tileSize
		}
	}
	if *fwhm > 0 {
		cfg.Convolve.KernelFWHM = *fwhm
	}
	if *kernel != "" {
		cfg.Convolve.KernelFile = *kernel
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	cfg.Measure.UpperLimit = *upper
	return cfg, cfg.Validate()
}

// Prints statistics and the fitted histogram peak of every input image
func cmdStats(patterns []string, c *ops.Context, logWriter io.Writer) error {
	promises, err := ops.NewOpLoadMany(patterns, *hdu).MakePromises(nil, c)
	if err != nil {
		return err
	}
	for _, p := range promises {
		f, err := p()
		if err != nil {
			return err
		}
		sorted := stats.SortedValues(f.Image, nil)
		r := stats.NewReport(sorted, *bins, stats.DefaultClip())
		r.Print(logWriter, fmt.Sprintf("%d: ", f.ID), *mirror)
		f.Free()
	}
	return nil
}

// Inserts the frame index before the suffix when there are several inputs
func perFrame(pattern string, numFiles int) string {
	if pattern == "" || numFiles <= 1 || strings.Contains(pattern, "%d") {
		return pattern
	}
	ext := filepath.Ext(pattern)
	if strings.EqualFold(ext, ".gz") || strings.EqualFold(ext, ".gzip") {
		ext = filepath.Ext(strings.TrimSuffix(pattern, ext)) + ext
	}
	return strings.TrimSuffix(pattern, ext) + "_%d" + ext
}

// Builds and runs the operator pipeline for a processing command
func cmdPipeline(cmd string, patterns []string, cfg *config.Config, c *ops.Context, logWriter io.Writer) error {
	numFiles := 0
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return err
		}
		numFiles += len(matches)
	}

	seq := ops.NewOpSequence(ops.NewOpLoadMany(patterns, *hdu))
	layers := []string{"image"}
	switch cmd {
	case "sky":
		seq.Append(pre.NewOpSky(cfg.Mesh, *subtract))
		layers = []string{"sky", "std"}
		if *subtract {
			layers = append([]string{"image"}, layers...)
		}
	case "convolve":
		layers = []string{"conv"}
	}
	if cmd != "sky" {
		op := pre.NewOpConvolve(cfg.Convolve.KernelFWHM, cfg.Convolve.KernelTruncation, cfg.Convolve.KernelFile)
		op.Options = cfg.Convolve.Options
		if len(cfg.Tile.ConvolveTileSize) > 0 {
			op.TileSize = cfg.Tile.ConvolveTileSize
		}
		seq.Append(op)
	}
	if cmd == "detect" || cmd == "segment" || cmd == "catalog" {
		seq.Append(post.NewOpDetect(cfg.Detect))
		layers = []string{"detections", "sky", "std"}
	}
	if cmd == "segment" || cmd == "catalog" {
		seq.Append(post.NewOpSegment(cfg.Segment))
		layers = []string{"objects", "clumps"}
	}
	if cmd == "catalog" {
		seq.Append(post.NewOpCatalog(cfg.Measure, perFrame(*cat, numFiles), *clumps))
	}
	if *out != "" {
		seq.Append(ops.NewOpSave(perFrame(*out, numFiles), layers))
	}
	if *tiff != "" {
		seq.Append(ops.NewOpSave(perFrame(*tiff, numFiles), layers))
	}
	if *jpg != "" && cmd != "sky" && cmd != "convolve" {
		seq.Append(ops.NewOpSave(perFrame(*jpg, numFiles), []string{"objects", "detections"}))
	}
	if *check != "" {
		seq.Append(ops.NewOpSave(perFrame(*check, numFiles),
			[]string{"image", "conv", "sky", "std", "detections", "objects", "clumps"}))
	}

	m, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "\nRunning %s on %d files with these settings:\n%s\n", cmd, numFiles, string(m))

	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return err
	}
	_, err = ops.MaterializeAll(promises, 1, true)
	return err
}
