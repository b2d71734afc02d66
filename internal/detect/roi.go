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
	"math"
)

// A detected region of interest: a connected, spatially compact set of pixels
// hypothesized to be one cell. Created once by detection, never mutated;
// refinement produces new ROI sets
type ROI struct {
	ID            int       `json:"id"`
	Plane         int       `json:"plane"`
	Pixels        []int32   `json:"pixels"`         // Unique row-major pixel indices
	Weights       []float32 `json:"weights"`        // Non-negative activity weights, same order as Pixels
	CentroidY     float32   `json:"centroid_y"`
	CentroidX     float32   `json:"centroid_x"`
	Radius        float32   `json:"radius"`         // Equivalent-disk radius estimate in pixels
	Compact       float32   `json:"compactness"`    // Mean centroid distance over ideal-disk value, 1=perfect disk
	LowConfidence bool      `json:"low_confidence"`
}

// Annular surround mask for neuropil contamination sampling. Disjoint from
// every ROI's pixel set
type NeuropilMask struct {
	ROI           int     `json:"roi"`
	Pixels        []int32 `json:"pixels"`
	LowConfidence bool    `json:"low_confidence"`  // Ring hit the outer radius below the minimum pixel count
}

// Computes weighted centroid, equivalent-disk radius and compactness for the
// given pixel set. Compactness is the mean pixel distance to the centroid
// divided by the same quantity for an ideal disk of equal area (2/3 r)
func measureRegion(pixels []int32, weights []float32, width int32) (cy, cx, radius, compact float32) {
	if len(pixels)==0 { return 0, 0, 0, 0 }
	sumW, sumY, sumX:=float32(0), float32(0), float32(0)
	for i,p:=range pixels {
		w:=weights[i]
		y, x:=float32(p/width), float32(p%width)
		sumW+=w
		sumY+=w*y
		sumX+=w*x
	}
	if sumW<=0 { sumW=float32(len(pixels)) }
	cy, cx=sumY/sumW, sumX/sumW

	meanDist:=float32(0)
	for _,p:=range pixels {
		y, x:=float32(p/width), float32(p%width)
		dy, dx:=y-cy, x-cx
		meanDist+=float32(math.Sqrt(float64(dy*dy+dx*dx)))
	}
	meanDist/=float32(len(pixels))

	radius=float32(math.Sqrt(float64(len(pixels))/math.Pi))
	ideal:=radius*2.0/3.0
	if ideal>0 { compact=meanDist/ideal }
	return cy, cx, radius, compact
}

// Removes pixels claimed by more than one ROI from every claimant. ROIs shrunk
// below minPixels are flagged low-confidence, never dropped
func RemoveOverlaps(rois []ROI, minPixels int) []ROI {
	claims:=make(map[int32]int)
	for _,roi:=range rois {
		for _,p:=range roi.Pixels {
			claims[p]++
		}
	}
	out:=make([]ROI, len(rois))
	for i,roi:=range rois {
		pixels :=make([]int32,   0, len(roi.Pixels))
		weights:=make([]float32, 0, len(roi.Weights))
		for j,p:=range roi.Pixels {
			if claims[p]==1 {
				pixels =append(pixels,  p)
				weights=append(weights, roi.Weights[j])
			}
		}
		out[i]=roi
		out[i].Pixels, out[i].Weights=pixels, weights
		if len(pixels)<minPixels {
			out[i].LowConfidence=true
		}
	}
	return out
}
