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
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/neurolight/internal/frame"
	"github.com/mlnoga/neurolight/internal/stats"
)

// Regions with compactness above this are rejected as too irregular for a cell body
const compactnessLimit = 1.4

// Histogram bins for the automatic activity threshold
const thresholdBins = 512

// ROI detection parameters, resolved from the options record by the caller
type Params struct {
	Diameter            float32  // Expected cell diameter in pixels
	NavgFramesSVD       int      // Maximum temporal bins for the low-rank decomposition
	NsvdForROI          int      // Maximum spatial components kept
	MaxIterations       int      // Upper bound on peak extraction iterations
	ThresholdScaling    float32  // Multiplier on the automatic activity threshold
	InnerNeuropilRadius float32  // Gap between ROI boundary and neuropil ring, in pixels
	OuterNeuropilRadius float32  // Maximum neuropil ring radius, in pixels
	MinNeuropilPixels   int      // Minimum pixels per neuropil mask before flagging
	RatioNeuropilToCell float32  // Minimum ratio of neuropil to cell radius, informs the ring start
	AllowOverlap        bool     // Keep pixels shared between ROIs
	FunctionalChan      int      // Channel carrying functional activity
}

// Detects ROIs and matching neuropil masks for one plane of the registered
// movie. Detection is strictly sequential within a plane: each iteration
// operates on the residual left by the previous one. Returns empty sets and a
// nil error when nothing passes thresholding
func Detect(src frame.Source, plane int, par Params, logWriter io.Writer) ([]ROI, []NeuropilMask, error) {
	basis, err:=ComputeBasis(src, par.FunctionalChan, par.NavgFramesSVD, par.NsvdForROI, logWriter)
	if err!=nil { return nil, nil, err }

	rois:=extractROIs(basis, plane, par, logWriter)
	if !par.AllowOverlap {
		rois=RemoveOverlaps(rois, minRegionPixels(par.Diameter))
	}
	masks:=BuildNeuropilMasks(rois, basis.Width, basis.Height, par)
	return rois, masks, nil
}

// Iteratively extracts peak regions from the activity map of the residual basis.
// The acceptance threshold is fitted once from the initial map: histogram mode
// plus thresholdScaling standard deviations
func extractROIs(basis *Basis, plane int, par Params, logWriter io.Writer) []ROI {
	activity:=basis.ActivityMap()
	if len(activity)==0 { return []ROI{} }

	// light spatial smoothing regularizes the peak landscape
	if sigma:=par.Diameter/10; sigma>=0.5 {
		smoothed:=make([]float32, len(activity))
		tmp     :=make([]float32, len(activity))
		stats.GaussFilter2D(smoothed, tmp, activity, int(basis.Width), sigma)
		activity=smoothed
	}

	st:=stats.CalcBasic(activity)
	mode, sigma:=stats.HistogramScaleLoc(activity, st.Min, st.Max, thresholdBins)
	threshold:=mode+par.ThresholdScaling*sigma
	if threshold<=0 || threshold>=st.Max {
		threshold=st.Mean+par.ThresholdScaling*st.StdDev
	}
	fmt.Fprintf(logWriter, "Activity threshold %.4g (mode %.4g sigma %.4g scaling %.2f)\n",
		threshold, mode, sigma, par.ThresholdScaling)

	maxRadius:=par.Diameter              // growth bound: twice the expected cell radius
	minPixels:=minRegionPixels(par.Diameter)
	maxPixels:=int(4*math.Pi*float64(par.Diameter*par.Diameter)/4)+1

	rois:=[]ROI{}
	exhausted:=make(map[int32]bool)
	for iter:=0; iter<par.MaxIterations; iter++ {
		peak:=int32(-1)
		peakVal:=threshold
		for i,v:=range activity {
			if v>peakVal && !exhausted[int32(i)] {
				peak, peakVal=int32(i), v
			}
		}
		if peak<0 { break }  // no peak clears the threshold

		pixels, weights:=growRegion(activity, basis.Width, basis.Height, peak, threshold, maxRadius)
		cy, cx, radius, compact:=measureRegion(pixels, weights, basis.Width)

		if len(pixels)>=minPixels && len(pixels)<=maxPixels && compact<=compactnessLimit {
			roi:=ROI{
				ID:        len(rois),
				Plane:     plane,
				Pixels:    pixels,
				Weights:   weights,
				CentroidY: cy,
				CentroidX: cx,
				Radius:    radius,
				Compact:   compact,
			}
			rois=append(rois, roi)
			basis.SubtractPixels(pixels)
			for _,p:=range pixels {
				activity[p]=0
			}
		} else {
			exhausted[peak]=true  // reject and never revisit this peak
		}
	}
	fmt.Fprintf(logWriter, "Detected %d ROIs on plane %d.\n", len(rois), plane)
	return rois
}

// Grows a 4-connected region from the seed pixel, accepting neighbors whose
// activity clears the threshold and which stay within maxRadius of the seed
func growRegion(activity []float32, width, height int32, seed int32, threshold, maxRadius float32) (pixels []int32, weights []float32) {
	seedY, seedX:=seed/width, seed%width
	visited:=map[int32]bool{seed:true}
	queue  :=[]int32{seed}
	for len(queue)>0 {
		p:=queue[0]
		queue=queue[1:]
		pixels =append(pixels,  p)
		weights=append(weights, activity[p])

		y, x:=p/width, p%width
		for _,n:=range [4][2]int32{{y-1,x},{y+1,x},{y,x-1},{y,x+1}} {
			ny, nx:=n[0], n[1]
			if ny<0 || ny>=height || nx<0 || nx>=width { continue }
			q:=ny*width+nx
			if visited[q] || activity[q]<threshold { continue }
			dy, dx:=float32(ny-seedY), float32(nx-seedX)
			if dy*dy+dx*dx>maxRadius*maxRadius { continue }
			visited[q]=true
			queue=append(queue, q)
		}
	}
	return pixels, weights
}

// Minimum sensible region size for a cell of the given expected diameter
func minRegionPixels(diameter float32) int {
	min:=int(math.Pi*float64(diameter*diameter)/16)  // quarter of the expected area
	if min<9 { min=9 }
	return min
}

func sqrt32(v float32) float32 { return float32(math.Sqrt(float64(v))) }
