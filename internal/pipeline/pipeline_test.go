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
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/valyala/fastrand"
	"github.com/mlnoga/neurolight/internal/frame"
)

// builds a movie with a static scene plus one flashing cell of compact support
func testMovie(numFrames int) *frame.MemSource {
	width, height:=int32(64), int32(64 )
	static:=make([]float32, width*height)
	cell  :=make([]float32, width*height)
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			i:=y*width+x
			for _,b:=range [][3]float32{{16,20,2.5}, {44,14,3}, {24,48,2}} {
				dy, dx:=float32(y)-b[0], float32(x)-b[1]
				static[i]+=80*float32(math.Exp(float64(-(dy*dy+dx*dx)/(2*b[2]*b[2]))))
			}
			dy, dx:=float32(y)-32, float32(x)-34
			v:=float32(math.Exp(float64(-(dy*dy+dx*dx)/18)))
			if cutoff:=float32(math.Exp(-2)); v>cutoff {
				cell[i]=(v-cutoff)/(1-cutoff)
			}
		}
	}

	src:=frame.NewMemSource(width, height, numFrames, 1)
	data:=make([]float32, width*height)
	for t:=0; t<numFrames; t++ {
		amp:=float32(60*(1+math.Sin(float64(t)*0.3)))
		for i:=range data {
			data[i]=100+static[i]+amp*cell[i]
		}
		src.SetFrame(t, 0, data)
	}
	return src
}

func testOptions() *Options {
	opts:=DefaultOptions()
	opts.NImgInit=20
	opts.NavgFramesSVD=30
	opts.BatchSize=25
	opts.NumWorkers=2
	opts.NumWorkersROI=1
	return opts
}

func TestRunEndToEnd(t *testing.T) {
	outDir:=filepath.Join(t.TempDir(), "out")
	c:=NewContext(io.Discard, outDir)
	runner, err:=New(testOptions(), c)
	if err!=nil { t.Fatalf("creating runner: %s", err.Error()) }

	if err:=runner.Run([]frame.Source{testMovie(150)}); err!=nil {
		t.Fatalf("running pipeline: %s", err.Error())
	}

	for _,name:=range []string{
		"options.json", "reg_p0.bin", "reg_p0.bin.json", "ref_p0.tiff",
		"shifts_p0.json", "rois_p0.json", "overlay_p0.png",
		"traces_p0.bin", "traces_p0.bin.json", "spikes_p0.bin", "spikes_p0.bin.json",
	} {
		if _, err:=os.Stat(filepath.Join(outDir, name)); err!=nil {
			t.Errorf("missing artifact %s: %s", name, err.Error())
		}
	}

	var shifts ShiftArtifact
	if err:=readJSON(c.shiftsFile(0), &shifts); err!=nil { t.Fatalf("reading shifts: %s", err.Error()) }
	if len(shifts.Shifts)!=150 { t.Fatalf("got %d shifts; want 150", len(shifts.Shifts)) }
	for _,s:=range shifts.Shifts {
		// frames share the scene, so no shift may exceed a pixel
		if ty, tx:=s.TotalDy(), s.TotalDx(); ty>1 || ty< -1 || tx>1 || tx< -1 {
			t.Errorf("frame %d shifted by (%f,%f) on a static movie", s.Frame, ty, tx)
		}
	}

	var rois ROIArtifact
	if err:=readJSON(c.roisFile(0), &rois); err!=nil { t.Fatalf("reading ROIs: %s", err.Error()) }
	if len(rois.ROIs)<1 { t.Fatal("no ROIs detected") }
	roi:=rois.ROIs[0]
	if math.Abs(float64(roi.CentroidY-32))>3 || math.Abs(float64(roi.CentroidX-34))>3 {
		t.Errorf("ROI centroid got (%f,%f); want (32,34) +-3", roi.CentroidY, roi.CentroidX)
	}
	if len(rois.Neuropil)!=len(rois.ROIs) {
		t.Errorf("got %d neuropil masks for %d ROIs", len(rois.Neuropil), len(rois.ROIs))
	}

	header, blocks, err:=readTraceMatrix(c.tracesFile(0))
	if err!=nil { t.Fatalf("reading traces: %s", err.Error()) }
	if header.ROIs!=len(rois.ROIs) || header.Frames!=150 {
		t.Fatalf("trace shape got %dx%d; want %dx150", header.ROIs, header.Frames, len(rois.ROIs))
	}
	if len(header.Coef)!=header.ROIs { t.Errorf("got %d coefficients for %d ROIs", len(header.Coef), header.ROIs) }
	for _,coef:=range header.Coef {
		if coef<0 || coef>1.5 { t.Errorf("coefficient %f outside [0,1.5]", coef) }
	}
	// the raw trace of the flashing cell must vary
	f:=blocks[0][:header.Frames]
	min, max:=f[0], f[0]
	for _,v:=range f {
		if v<min { min=v }
		if v>max { max=v }
	}
	if max-min<10 { t.Errorf("trace range %f too small for a flashing cell", max-min) }

	spikesHeader, spikesBlocks, err:=readTraceMatrix(c.spikesFile(0))
	if err!=nil { t.Fatalf("reading spikes: %s", err.Error()) }
	if spikesHeader.ROIs!=header.ROIs || spikesHeader.Frames!=header.Frames {
		t.Fatalf("spike shape %dx%d differs from traces", spikesHeader.ROIs, spikesHeader.Frames)
	}
	for i,s:=range spikesBlocks[0] {
		if s<0 { t.Fatalf("spike %d is negative: %f", i, s) }
	}
}

// builds a movie of uniform noise plus one cell oscillating at 1Hz when
// sampled at 10Hz, peaking at every tenth frame
func noisyOscillatingMovie(numFrames int) *frame.MemSource {
	width, height:=int32(64), int32(64)
	cell:=make([]float32, width*height)
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			dy, dx:=float32(y)-32, float32(x)-30
			v:=float32(math.Exp(float64(-(dy*dy+dx*dx)/18)))
			if cutoff:=float32(math.Exp(-2)); v>cutoff {
				cell[y*width+x]=(v-cutoff)/(1-cutoff)
			}
		}
	}

	rng:=fastrand.RNG{}
	rng.Seed(0xfeed)
	src:=frame.NewMemSource(width, height, numFrames, 1)
	data:=make([]float32, width*height)
	for t:=0; t<numFrames; t++ {
		amp:=float32(36+24*math.Cos(2*math.Pi*float64(t)/10))
		for i:=range data {
			data[i]=100+float32(rng.Uint32n(8000))/1000+amp*cell[i]
		}
		src.SetFrame(t, 0, data)
	}
	return src
}

func TestRunNoisyOscillatingCell(t *testing.T) {
	outDir:=filepath.Join(t.TempDir(), "out")
	c:=NewContext(io.Discard, outDir)
	opts:=testOptions()
	opts.NavgFramesSVD=200
	runner, err:=New(opts, c)
	if err!=nil { t.Fatalf("creating runner: %s", err.Error()) }

	numFrames:=200
	if err:=runner.Run([]frame.Source{noisyOscillatingMovie(numFrames)}); err!=nil {
		t.Fatalf("running pipeline: %s", err.Error())
	}

	var rois ROIArtifact
	if err:=readJSON(c.roisFile(0), &rois); err!=nil { t.Fatalf("reading ROIs: %s", err.Error()) }
	if len(rois.ROIs)!=1 { t.Fatalf("got %d ROIs; want exactly 1", len(rois.ROIs)) }
	roi:=rois.ROIs[0]
	if math.Abs(float64(roi.CentroidY-32))>2 || math.Abs(float64(roi.CentroidX-30))>2 {
		t.Errorf("ROI centroid got (%f,%f); want (32,30) +-2", roi.CentroidY, roi.CentroidX)
	}

	header, blocks, err:=readTraceMatrix(c.spikesFile(0))
	if err!=nil { t.Fatalf("reading spikes: %s", err.Error()) }
	if header.ROIs!=1 || header.Frames!=numFrames {
		t.Fatalf("spike shape got %dx%d; want 1x%d", header.ROIs, header.Frames, numFrames)
	}
	spikes:=blocks[0]

	// deconvolved events must concentrate on the rising flank into each
	// oscillation peak, not on the decay after it
	for tp:=10; tp<numFrames; tp+=10 {
		riseSum, fallSum:=float32(0), float32(0)
		for i:=tp-5; i<=tp; i++   { riseSum+=spikes[i] }
		for i:=tp+1; i<=tp+4 && i<numFrames; i++ { fallSum+=spikes[i] }
		if riseSum<3 {
			t.Errorf("peak at %d: spike mass %f on the rising flank too small", tp, riseSum)
		}
		if riseSum<=fallSum {
			t.Errorf("peak at %d: rise spike mass %f not above fall mass %f", tp, riseSum, fallSum)
		}
	}
}

func TestRunEmptyMovie(t *testing.T) {
	outDir:=filepath.Join(t.TempDir(), "out")
	c:=NewContext(io.Discard, outDir)
	runner, err:=New(testOptions(), c)
	if err!=nil { t.Fatalf("creating runner: %s", err.Error()) }

	if err:=runner.Run([]frame.Source{frame.NewMemSource(32, 32, 0, 1)}); err!=nil {
		t.Fatalf("running on empty movie: %s", err.Error())
	}

	var shifts ShiftArtifact
	if err:=readJSON(c.shiftsFile(0), &shifts); err!=nil { t.Fatalf("reading shifts: %s", err.Error()) }
	if len(shifts.Shifts)!=0 { t.Errorf("got %d shifts; want 0", len(shifts.Shifts)) }

	var rois ROIArtifact
	if err:=readJSON(c.roisFile(0), &rois); err!=nil { t.Fatalf("reading ROIs: %s", err.Error()) }
	if len(rois.ROIs)!=0 { t.Errorf("got %d ROIs; want 0", len(rois.ROIs)) }

	header, _, err:=readTraceMatrix(c.tracesFile(0))
	if err!=nil { t.Fatalf("reading traces: %s", err.Error()) }
	if header.ROIs!=0 || header.Frames!=0 {
		t.Errorf("trace shape got %dx%d; want 0x0", header.ROIs, header.Frames)
	}
}

func TestRunRejectsPlaneMismatch(t *testing.T) {
	outDir:=filepath.Join(t.TempDir(), "out")
	runner, err:=New(testOptions(), NewContext(io.Discard, outDir))
	if err!=nil { t.Fatalf("creating runner: %s", err.Error()) }
	srcs:=[]frame.Source{testMovie(10), testMovie(10)}
	if err:=runner.Run(srcs); err==nil {
		t.Errorf("plane count mismatch accepted; want error")
	}
}

func TestTraceMatrixRoundTrip(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "traces.bin")
	header:=TraceHeader{Plane:0, ROIs:2, Frames:3, Blocks:[]string{"F", "Fneu"}, Coef:[]float32{0.7, 0.8}}
	f   :=[]float32{1,2,3,4,5,6}
	fneu:=[]float32{6,5,4,3,2,1}
	if err:=writeTraceMatrix(fileName, header, f, fneu); err!=nil {
		t.Fatalf("writing: %s", err.Error())
	}

	got, blocks, err:=readTraceMatrix(fileName)
	if err!=nil { t.Fatalf("reading: %s", err.Error()) }
	if got.ROIs!=2 || got.Frames!=3 || len(got.Blocks)!=2 || got.Blocks[0]!="F" {
		t.Fatalf("header got %+v", got)
	}
	for i,v:=range f {
		if blocks[0][i]!=v { t.Errorf("F[%d] got %f; want %f", i, blocks[0][i], v) }
	}
	for i,v:=range fneu {
		if blocks[1][i]!=v { t.Errorf("Fneu[%d] got %f; want %f", i, blocks[1][i], v) }
	}
}

func TestWriteTraceMatrixRejectsWrongShape(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "traces.bin")
	header:=TraceHeader{ROIs:2, Frames:3, Blocks:[]string{"F"}}
	if err:=writeTraceMatrix(fileName, header, []float32{1,2,3}); err==nil {
		t.Errorf("wrong block size accepted; want error")
	}
	if _, err:=os.Stat(fileName); !os.IsNotExist(err) {
		t.Errorf("failed write left target file behind")
	}
}
