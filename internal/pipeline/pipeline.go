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


package pipeline

import (
	"fmt"
	"os"

	"github.com/mlnoga/neurolight/internal/deconv"
	"github.com/mlnoga/neurolight/internal/detect"
	"github.com/mlnoga/neurolight/internal/frame"
	"github.com/mlnoga/neurolight/internal/reg"
	"github.com/mlnoga/neurolight/internal/trace"
)

// Runs the processing pipeline: registration, ROI detection, trace extraction
// and deconvolution, persisting each stage's full output so stages can be
// re-run independently from the prior stage's artifacts
type Runner struct {
	Opts *Options
	C    *Context
}

// Creates a runner, validating the options and creating the output directory.
// Configuration errors fail here, before any stage runs
func New(opts *Options, c *Context) (*Runner, error) {
	if err:=opts.Validate(); err!=nil { return nil, err }
	if err:=os.MkdirAll(c.OutDir, 0755); err!=nil { return nil, err }
	return &Runner{Opts:opts, C:c}, nil
}

// Runs all stages for all planes. Registration processes planes one at a time,
// parallelizing over frame batches; detection and the trace stages parallelize
// over planes, which are fully independent
func (r *Runner) Run(srcs []frame.Source) error {
	if len(srcs)!=r.Opts.NPlanes {
		return fmt.Errorf("got %d frame sources for nplanes=%d", len(srcs), r.Opts.NPlanes)
	}
	if err:=writeJSON(r.C.optionsFile(), r.Opts); err!=nil { return err }

	for p,src:=range srcs {
		if err:=r.RegisterPlane(p, src); err!=nil { return err }
	}

	maxThreads:=ParseParallelism(r.Opts.NumWorkersROI).Resolve()
	errs:=make([]error, len(srcs))
	limiter:=make(chan bool, maxThreads)
	for p,_:=range srcs {
		limiter <- true
		go func(p int) {
			defer func() { <-limiter }()
			if err:=r.DetectPlane(p);      err!=nil { errs[p]=err; return }
			if err:=r.ExtractPlane(p);     err!=nil { errs[p]=err; return }
			if err:=r.DeconvolvePlane(p);  err!=nil { errs[p]=err; return }
		}(p)
	}
	for i:=0; i<cap(limiter); i++ {  // wait for goroutines to finish
		limiter <- true
	}
	for _,err:=range errs {
		if err!=nil { return err }
	}
	return nil
}

// Builds the reference image and registers every frame of one plane, writing
// the registered movie, the reference export and the per-frame shifts
func (r *Runner) RegisterPlane(p int, src frame.Source) error {
	opts, c:=r.Opts, r.C
	width, height:=src.Dims()
	fmt.Fprintf(c.Log, "Plane %d: registering %d frames of %dx%d...\n", p, src.Frames(), width, height)

	ref, err:=reg.BuildReference(src, opts.AlignByChan, opts.NImgInit, opts.Subpixel, opts.MaxRegShift, c.Log)
	if err!=nil { return fmt.Errorf("plane %d reference: %w", p, err) }
	if ref!=nil {
		st:=ref.Stats()
		if err:=ref.WriteTIFF16ToFile(c.refFile(p), st.Min, st.Max); err!=nil {
			return fmt.Errorf("plane %d reference export: %w", p, err)
		}
	}

	writer, err:=frame.NewBinWriter(c.regFile(p), width, height, src.Channels())
	if err!=nil { return fmt.Errorf("plane %d: %w", p, err) }

	shifts:=[]reg.FrameShift{}
	if src.Frames()>0 {
		par:=reg.Params{
			AlignByChan: opts.AlignByChan,
			BatchSize:   opts.BatchSize,
			Subpixel:    opts.Subpixel,
			MaxRegShift: opts.MaxRegShift,
			MaxThreads:  ParseParallelism(opts.NumWorkers).Resolve(),
			MemoryMB:    c.MemoryMB,
		}
		shifts, err=reg.Register(src, ref, par, writer, c.Log)
		if err!=nil {
			writer.Abort()
			return fmt.Errorf("plane %d registration: %w", p, err)
		}
	}
	if err:=writer.Commit(); err!=nil { return fmt.Errorf("plane %d registered movie: %w", p, err) }
	return writeJSON(c.shiftsFile(p), &ShiftArtifact{Plane:p, Shifts:shifts})
}

// Detects ROIs and neuropil masks on the registered movie of one plane,
// writing the mask artifact and an overlay image
func (r *Runner) DetectPlane(p int) error {
	opts, c:=r.Opts, r.C
	src, err:=frame.OpenBinSource(c.regFile(p))
	if err!=nil { return fmt.Errorf("plane %d registered movie: %w", p, err) }

	par:=detect.Params{
		Diameter:            opts.Diameter,
		NavgFramesSVD:       opts.NavgFramesSVD,
		NsvdForROI:          opts.NsvdForROI,
		MaxIterations:       opts.MaxIterations,
		ThresholdScaling:    opts.ThresholdScaling,
		InnerNeuropilRadius: opts.InnerNeuropilRadius,
		OuterNeuropilRadius: opts.OuterNeuropilRadius,
		MinNeuropilPixels:   opts.MinNeuropilPixels,
		RatioNeuropilToCell: opts.RatioNeuropil,
		AllowOverlap:        opts.AllowOverlap,
		FunctionalChan:      opts.FunctionalChan,
	}
	rois, masks, err:=detect.Detect(src, p, par, c.Log)
	if err!=nil { return fmt.Errorf("plane %d detection: %w", p, err) }

	if err:=r.writeOverlay(p, src, rois); err!=nil { return err }
	return writeJSON(c.roisFile(p), &ROIArtifact{Plane:p, ROIs:rois, Neuropil:masks})
}

// Renders detected ROIs over the mean registered image
func (r *Runner) writeOverlay(p int, src frame.Source, rois []detect.ROI) error {
	width, height:=src.Dims()
	if src.Frames()==0 { return nil }
	n:=src.Frames()
	if n>500 { n=500 }
	fs, err:=src.ReadChunk(0, n, r.Opts.FunctionalChan)
	if err!=nil { return fmt.Errorf("plane %d overlay: %w", p, err) }
	mean:=frame.NewFrame(-1, width, height, nil)
	norm:=1.0/float32(len(fs))
	for _,f:=range fs {
		for i,v:=range f.Data {
			mean.Data[i]+=v*norm
		}
	}
	masks:=make([]frame.OverlayMask, len(rois))
	for i,roi:=range rois {
		masks[i]=frame.OverlayMask{Pixels:roi.Pixels, Weights:nil}
	}
	return frame.WriteOverlayPNG(r.C.overlayFile(p), mean, masks)
}

// Extracts raw fluorescence and neuropil traces for one plane from the
// registered movie and the persisted masks
func (r *Runner) ExtractPlane(p int) error {
	opts, c:=r.Opts, r.C
	src, err:=frame.OpenBinSource(c.regFile(p))
	if err!=nil { return fmt.Errorf("plane %d registered movie: %w", p, err) }
	var art ROIArtifact
	if err:=readJSON(c.roisFile(p), &art); err!=nil { return fmt.Errorf("plane %d masks: %w", p, err) }

	par:=trace.Params{Neucoeff:opts.Neucoeff, FunctionalChan:opts.FunctionalChan}
	set, err:=trace.Extract(src, art.ROIs, art.Neuropil, par, c.Log)
	if err!=nil { return fmt.Errorf("plane %d traces: %w", p, err) }

	header:=TraceHeader{Plane:p, ROIs:set.ROIs, Frames:set.Frames, Blocks:[]string{"F", "Fneu"}, Coef:set.Coef}
	return writeTraceMatrix(c.tracesFile(p), header, set.F, set.Fneu)
}

// Deconvolves the neuropil-corrected traces of one plane into baseline and
// spike estimates
func (r *Runner) DeconvolvePlane(p int) error {
	opts, c:=r.Opts, r.C
	header, blocks, err:=readTraceMatrix(c.tracesFile(p))
	if err!=nil { return fmt.Errorf("plane %d traces: %w", p, err) }
	f, fneu:=blocks[0], blocks[1]

	par:=deconv.Params{
		Tau:          opts.Tau,
		Fs:           opts.Fs,
		BaselineMode: opts.BaselineMode,
		WinBaseline:  opts.WinBaseline,
		SigBaseline:  opts.SigBaseline,
		Prctile:      opts.PrctileBaseline,
	}
	spikes  :=make([]float32, header.ROIs*header.Frames)
	baseline:=make([]float32, header.ROIs*header.Frames)
	corrected:=make([]float32, header.Frames)
	for roi:=0; roi<header.ROIs; roi++ {
		off:=roi*header.Frames
		coef:=header.Coef[roi]
		for t:=0; t<header.Frames; t++ {
			corrected[t]=f[off+t]-coef*fneu[off+t]
		}
		b, s, err:=deconv.Deconvolve(corrected, par)
		if err!=nil { return fmt.Errorf("plane %d ROI %d deconvolution: %w", p, roi, err) }
		copy(baseline[off:off+header.Frames], b)
		copy(spikes[off:off+header.Frames], s)
	}
	fmt.Fprintf(c.Log, "Plane %d: deconvolved %d traces.\n", p, header.ROIs)

	out:=TraceHeader{Plane:p, ROIs:header.ROIs, Frames:header.Frames, Blocks:[]string{"spikes", "baseline"}}
	return writeTraceMatrix(c.spikesFile(p), out, spikes, baseline)
}
