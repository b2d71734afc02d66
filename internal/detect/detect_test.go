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


package detect

import (
	"io"
	"math"
	"testing"

	"github.com/mlnoga/neurolight/internal/frame"
)

// renders a truncated Gaussian cell profile onto a width x height canvas.
// Truncation at two sigma gives the cell compact support, so the detected
// region does not depend on the exact threshold value
func gaussProfile(width, height int32, cy, cx, sigma float32) []float32 {
	cutoff:=float32(math.Exp(-2))  // value at two sigma
	data:=make([]float32, width*height)
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			dy, dx:=float32(y)-cy, float32(x)-cx
			v:=float32(math.Exp(float64(-(dy*dy+dx*dx)/(2*sigma*sigma))))
			if v>cutoff {
				data[y*width+x]=(v-cutoff)/(1-cutoff)
			}
		}
	}
	return data
}

// builds a movie of cells with the given profiles, each flashing with its own
// temporal phase over a constant background
func cellMovie(width, height int32, numFrames int, profiles [][]float32) *frame.MemSource {
	src:=frame.NewMemSource(width, height, numFrames, 1)
	data:=make([]float32, width*height)
	for t:=0; t<numFrames; t++ {
		for i:=range data { data[i]=100 }
		for c,profile:=range profiles {
			amp:=float32(50*(1+math.Sin(float64(t)*0.3+float64(c)*2.1)))
			for i,v:=range profile {
				data[i]+=amp*v
			}
		}
		src.SetFrame(t, 0, data)
	}
	return src
}

func testParams() Params {
	return Params{
		Diameter:            12,
		NavgFramesSVD:       50,
		NsvdForROI:          16,
		MaxIterations:       100,
		ThresholdScaling:    1.0,
		InnerNeuropilRadius: 2,
		OuterNeuropilRadius: 30,
		MinNeuropilPixels:   80,
		RatioNeuropilToCell: 3,
		FunctionalChan:      0,
	}
}

func TestDetectSingleCell(t *testing.T) {
	profile:=gaussProfile(64, 64, 32, 30, 3)
	src:=cellMovie(64, 64, 300, [][]float32{profile})

	rois, masks, err:=Detect(src, 0, testParams(), io.Discard)
	if err!=nil { t.Fatalf("detecting: %s", err.Error()) }
	if len(rois)!=1 { t.Fatalf("got %d ROIs; want 1", len(rois)) }
	if len(masks)!=1 { t.Fatalf("got %d neuropil masks; want 1", len(masks)) }

	roi:=rois[0]
	if math.Abs(float64(roi.CentroidY-32))>2 || math.Abs(float64(roi.CentroidX-30))>2 {
		t.Errorf("centroid got (%f,%f); want (32,30) +-2", roi.CentroidY, roi.CentroidX)
	}
	if roi.Radius<2 || roi.Radius>10 {
		t.Errorf("radius got %f; want in [2,10]", roi.Radius)
	}
	if roi.Compact>compactnessLimit {
		t.Errorf("compactness got %f; want <=%f", roi.Compact, compactnessLimit)
	}
	for i,w:=range roi.Weights {
		if w<0 { t.Fatalf("weight %d is negative: %f", i, w) }
	}
}

func TestDetectTwoCells(t *testing.T) {
	profiles:=[][]float32{
		gaussProfile(64, 64, 18, 16, 3),
		gaussProfile(64, 64, 46, 44, 3),
	}
	src:=cellMovie(64, 64, 300, profiles)

	rois, masks, err:=Detect(src, 0, testParams(), io.Discard)
	if err!=nil { t.Fatalf("detecting: %s", err.Error()) }
	if len(rois)!=2 { t.Fatalf("got %d ROIs; want 2", len(rois)) }

	// every neuropil mask must be disjoint from every ROI
	claimed:=make(map[int32]bool)
	for _,roi:=range rois {
		seen:=make(map[int32]bool)
		for _,p:=range roi.Pixels {
			if seen[p] { t.Fatalf("ROI %d lists pixel %d twice", roi.ID, p) }
			seen[p]=true
			claimed[p]=true
		}
	}
	for _,mask:=range masks {
		for _,p:=range mask.Pixels {
			if claimed[p] { t.Fatalf("neuropil mask %d contains ROI pixel %d", mask.ROI, p) }
		}
		if len(mask.Pixels)<80 && !mask.LowConfidence {
			t.Errorf("mask %d has %d pixels below the minimum and is not flagged", mask.ROI, len(mask.Pixels))
		}
	}
}

func TestDetectDeterministic(t *testing.T) {
	profiles:=[][]float32{
		gaussProfile(64, 64, 18, 16, 3),
		gaussProfile(64, 64, 46, 44, 3),
	}
	src:=cellMovie(64, 64, 200, profiles)

	roisA, masksA, err:=Detect(src, 0, testParams(), io.Discard)
	if err!=nil { t.Fatalf("first detection: %s", err.Error()) }
	roisB, masksB, err:=Detect(src, 0, testParams(), io.Discard)
	if err!=nil { t.Fatalf("second detection: %s", err.Error()) }

	if len(roisA)!=len(roisB) { t.Fatalf("ROI counts differ: %d vs %d", len(roisA), len(roisB)) }
	for i:=range roisA {
		a, b:=roisA[i], roisB[i]
		if a.CentroidY!=b.CentroidY || a.CentroidX!=b.CentroidX || len(a.Pixels)!=len(b.Pixels) {
			t.Errorf("ROI %d differs between runs: %+v vs %+v", i, a, b)
			continue
		}
		for j:=range a.Pixels {
			if a.Pixels[j]!=b.Pixels[j] { t.Fatalf("ROI %d pixel %d differs", i, j) }
		}
	}
	for i:=range masksA {
		if len(masksA[i].Pixels)!=len(masksB[i].Pixels) {
			t.Errorf("mask %d differs between runs", i)
		}
	}
}

func TestDetectEmptyMovie(t *testing.T) {
	src:=frame.NewMemSource(64, 64, 0, 1)
	rois, masks, err:=Detect(src, 0, testParams(), io.Discard)
	if err!=nil { t.Fatalf("detecting empty movie: %s", err.Error()) }
	if len(rois)!=0  { t.Errorf("got %d ROIs; want 0", len(rois)) }
	if len(masks)!=0 { t.Errorf("got %d masks; want 0", len(masks)) }
}

func TestRemoveOverlaps(t *testing.T) {
	a:=ROI{ID:0, Pixels:[]int32{1,2,3,4}, Weights:[]float32{1,1,1,1}}
	b:=ROI{ID:1, Pixels:[]int32{3,4,5,6}, Weights:[]float32{1,1,1,1}}
	out:=RemoveOverlaps([]ROI{a,b}, 3)

	if len(out[0].Pixels)!=2 || out[0].Pixels[0]!=1 || out[0].Pixels[1]!=2 {
		t.Errorf("ROI 0 pixels got %v; want [1 2]", out[0].Pixels)
	}
	if len(out[1].Pixels)!=2 || out[1].Pixels[0]!=5 || out[1].Pixels[1]!=6 {
		t.Errorf("ROI 1 pixels got %v; want [5 6]", out[1].Pixels)
	}
	if !out[0].LowConfidence || !out[1].LowConfidence {
		t.Errorf("shrunken ROIs not flagged: %+v %+v", out[0], out[1])
	}
}

func TestMinRegionPixels(t *testing.T) {
	if got:=minRegionPixels(2); got!=9 {
		t.Errorf("small diameter floor got %d; want 9", got)
	}
	if got:=minRegionPixels(12); got!=28 {
		t.Errorf("diameter 12 got %d; want 28", got)
	}
}
