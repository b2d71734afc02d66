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
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/mlnoga/neurolight/internal/frame"
	"github.com/mlnoga/neurolight/internal/pipeline"
	"github.com/mlnoga/neurolight/internal/rest"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out    = flag.String("out", "out", "write artifacts to `directory`")
var params = flag.String("params", "", "load processing options from YAML `file`")
var addr   = flag.String("addr", "localhost:8080", "listen `address` for the serve command")

var nPlanes  = flag.Int("nplanes", 1, "number of imaging planes, one input stack per plane")
var nChans   = flag.Int("nchannels", 1, "number of channels interleaved in each input stack")
var funcChan = flag.Int("functionalChan", 0, "zero-based channel carrying the functional signal")
var alignChan= flag.Int("alignByChan", 0, "zero-based channel used for registration")

var diameter = flag.Float64("diameter", 12, "expected cell diameter in pixels")
var tau      = flag.Float64("tau", 1.0, "calcium indicator decay time constant in seconds")
var fs       = flag.Float64("fs", 10.0, "frame rate per plane in Hz")

var batchSize  = flag.Int("batchSize", 0, "frames per registration batch, 0=auto from available memory")
var subpixel   = flag.Int("subpixel", 10, "subpixel registration precision, 1=integer shifts only")
var maxRegShift= flag.Float64("maxregshift", 0.1, "maximum allowed shift as a fraction of frame size")
var nImgInit   = flag.Int("nimgInit", 200, "frames sampled to build the registration reference")

var navgSVD  = flag.Int("navgFramesSvd", 1000, "temporal bins for the detection decomposition")
var nsvdROI  = flag.Int("nsvdForRoi", 64, "singular components used for ROI detection")
var maxIter  = flag.Int("maxIterations", 100, "maximum ROIs extracted per plane")
var threshold= flag.Float64("thresholdScaling", 1.0, "scaling of the activity threshold for ROI detection")

var innerNeuropil= flag.Float64("innerNeuropilRadius", 2, "gap in pixels between an ROI and its neuropil ring")
var outerNeuropil= flag.Float64("outerNeuropilRadius", 30, "maximum neuropil ring extent in pixels")
var minNeuropil  = flag.Int("minNeuropilPixels", 80, "minimum pixels per neuropil ring")
var ratioNeuropil= flag.Float64("ratioNeuropil", 3, "neuropil inner radius as a multiple of the cell radius")
var neucoeff     = flag.Float64("neucoeff", 0.7, "fallback neuropil contamination coefficient in [0,1.5]")
var allowOverlap = flag.Bool("allowOverlap", false, "keep pixels shared between ROIs instead of removing them")

var numWorkers   = flag.Int("numWorkers", 0, "registration workers, 0=all cores, <0=single-threaded")
var numWorkersROI= flag.Int("numWorkersRoi", 0, "per-plane detection workers, 0=all cores, <0=single-threaded")

var baseline   = flag.String("baseline", "maximin", "baseline estimation mode, maximin or prctile")
var winBaseline= flag.Float64("winBaseline", 60, "baseline window size in seconds")
var sigBaseline= flag.Float64("sigBaseline", 10, "baseline smoothing sigma in seconds")
var prctile    = flag.Float64("prctileBaseline", 8, "percentile for prctile baseline mode")

func main() {
	logWriter:=os.Stdout
	start:=time.Now()
	flag.Usage=func(){
		fmt.Fprintf(logWriter, `Neurolight Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (run|serve|legal|version) (plane0.bin ... planen.bin)

Commands:
  run     Process input frame stacks, one .bin file with .json sidecar per plane
  serve   Serve artifacts of a completed run from the output directory over HTTP
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Enable CPU profiling if flagged
	if *cpuprofile!="" {
		f, err:=os.Create(*cpuprofile)
		if err!=nil { fmt.Fprintf(logWriter, "Could not create CPU profile: %s\n", err.Error()); os.Exit(-1) }
		defer f.Close()
		if err:=pprof.StartCPUProfile(f); err!=nil {
			fmt.Fprintf(logWriter, "Could not start CPU profile: %s\n", err.Error()); os.Exit(-1)
		}
		defer pprof.StopCPUProfile()
	}

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}

	switch args[0] {
	case "run":
		opts, err:=optionsFromFlags()
		if err!=nil { fmt.Fprintf(logWriter, "Error loading options: %s\n", err.Error()); os.Exit(-1) }

		srcs, err:=openSources(args[1:])
		if err!=nil { fmt.Fprintf(logWriter, "Error opening inputs: %s\n", err.Error()); os.Exit(-1) }

		runner, err:=pipeline.New(opts, pipeline.NewContext(logWriter, *out))
		if err!=nil { fmt.Fprintf(logWriter, "Error: %s\n", err.Error()); os.Exit(-1) }
		if err:=runner.Run(srcs); err!=nil {
			fmt.Fprintf(logWriter, "Error: %s\n", err.Error()); os.Exit(-1)
		}

	case "serve":
		if err:=rest.NewServer(*out).Run(*addr); err!=nil {
			fmt.Fprintf(logWriter, "Error: %s\n", err.Error()); os.Exit(-1)
		}

	case "legal":
		cmdLegal(logWriter)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(-1)
	}

	// Store memory profile if flagged
	if *memprofile!="" {
		f, err:=os.Create(*memprofile)
		if err!=nil { fmt.Fprintf(logWriter, "Could not create memory profile: %s\n", err.Error()); os.Exit(-1) }
		defer f.Close()
		if err:=pprof.WriteHeapProfile(f); err!=nil {
			fmt.Fprintf(logWriter, "Could not write memory profile: %s\n", err.Error()); os.Exit(-1)
		}
	}

	fmt.Fprintf(logWriter, "Done after %v\n", time.Since(start))
}

// Builds the option set from the parameter file, if given, then overrides it
// with any flags explicitly set on the command line
func optionsFromFlags() (*pipeline.Options, error) {
	var opts *pipeline.Options
	var err error
	if *params!="" {
		opts, err=pipeline.LoadOptions(*params)
		if err!=nil { return nil, err }
	} else {
		opts=pipeline.DefaultOptions()
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nplanes":             opts.NPlanes=*nPlanes
		case "nchannels":           opts.NChannels=*nChans
		case "functionalChan":      opts.FunctionalChan=*funcChan
		case "alignByChan":         opts.AlignByChan=*alignChan
		case "diameter":            opts.Diameter=float32(*diameter)
		case "tau":                 opts.Tau=float32(*tau)
		case "fs":                  opts.Fs=float32(*fs)
		case "batchSize":           opts.BatchSize=*batchSize
		case "subpixel":            opts.Subpixel=*subpixel
		case "maxregshift":         opts.MaxRegShift=float32(*maxRegShift)
		case "nimgInit":            opts.NImgInit=*nImgInit
		case "navgFramesSvd":       opts.NavgFramesSVD=*navgSVD
		case "nsvdForRoi":          opts.NsvdForROI=*nsvdROI
		case "maxIterations":       opts.MaxIterations=*maxIter
		case "thresholdScaling":    opts.ThresholdScaling=float32(*threshold)
		case "innerNeuropilRadius": opts.InnerNeuropilRadius=float32(*innerNeuropil)
		case "outerNeuropilRadius": opts.OuterNeuropilRadius=float32(*outerNeuropil)
		case "minNeuropilPixels":   opts.MinNeuropilPixels=*minNeuropil
		case "ratioNeuropil":       opts.RatioNeuropil=float32(*ratioNeuropil)
		case "neucoeff":            opts.Neucoeff=float32(*neucoeff)
		case "allowOverlap":        opts.AllowOverlap=*allowOverlap
		case "numWorkers":          opts.NumWorkers=*numWorkers
		case "numWorkersRoi":       opts.NumWorkersROI=*numWorkersROI
		case "baseline":            opts.BaselineMode=*baseline
		case "winBaseline":         opts.WinBaseline=float32(*winBaseline)
		case "sigBaseline":         opts.SigBaseline=float32(*sigBaseline)
		case "prctileBaseline":     opts.PrctileBaseline=float32(*prctile)
		}
	})
	return opts, nil
}

// Opens one input stack per plane
func openSources(fileNames []string) ([]frame.Source, error) {
	if len(fileNames)<1 {
		return nil, fmt.Errorf("no input stacks given")
	}
	srcs:=make([]frame.Source, len(fileNames))
	for i,fn:=range fileNames {
		src, err:=frame.OpenBinSource(fn)
		if err!=nil { return nil, fmt.Errorf("plane %d input %s: %w", i, fn, err) }
		srcs[i]=src
	}
	return srcs, nil
}

func cmdLegal(logWriter *os.File) {
	fmt.Fprintf(logWriter, `Neurolight is Copyright (c) 2020 Markus L. Noga

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.

It depends on a number of fine open source libraries. In alphabetical order:
  cpuid      https://github.com/klauspost/cpuid       (MIT license)
  fastrand   https://github.com/valyala/fastrand      (MIT license)
  gin        https://github.com/gin-gonic/gin         (MIT license)
  go-colorful https://github.com/lucasb-eyer/go-colorful (MIT license)
  gonum      https://gonum.org                        (BSD-3-Clause license)
  memory     https://github.com/pbnjay/memory         (BSD-3-Clause license)
  x/image    https://golang.org/x/image               (BSD-3-Clause license)
  yaml       https://gopkg.in/yaml.v3                 (Apache-2.0 and MIT licenses)
`)
}
