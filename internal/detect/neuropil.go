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

// Builds the annular neuropil mask for every ROI. The ring starts
// innerNeuropilRadius pixels beyond the ROI boundary, honoring the minimum
// neuropil-to-cell radius ratio, and expands outward until it holds at least
// minNeuropilPixels or hits the outer radius limit, in which case the mask is
// flagged low-confidence rather than dropped. Pixels belonging to any ROI are
// always excluded
func BuildNeuropilMasks(rois []ROI, width, height int32, par Params) []NeuropilMask {
	claimed:=make(map[int32]bool)
	for _,roi:=range rois {
		for _,p:=range roi.Pixels {
			claimed[p]=true
		}
	}

	masks:=make([]NeuropilMask, len(rois))
	for i,roi:=range rois {
		inner:=roi.Radius+par.InnerNeuropilRadius
		if ratioStart:=roi.Radius*par.RatioNeuropilToCell; ratioStart>inner {
			inner=ratioStart
		}
		outerLimit:=roi.Radius+par.OuterNeuropilRadius
		if outerLimit<inner+1 { outerLimit=inner+1 }

		mask:=NeuropilMask{ROI:roi.ID}
		// expand the outer radius one pixel at a time until the ring is large enough
		for outer:=inner+1; ; outer++ {
			mask.Pixels=collectRing(roi.CentroidY, roi.CentroidX, inner, outer, width, height, claimed)
			if len(mask.Pixels)>=par.MinNeuropilPixels { break }
			if outer>=outerLimit {
				mask.LowConfidence=true
				break
			}
		}
		masks[i]=mask
	}
	return masks
}

// Collects unclaimed pixels with centroid distance in [inner, outer]
func collectRing(cy, cx, inner, outer float32, width, height int32, claimed map[int32]bool) []int32 {
	y0:=clamp32(int32(cy-outer)-1, 0, height-1)
	y1:=clamp32(int32(cy+outer)+1, 0, height-1)
	x0:=clamp32(int32(cx-outer)-1, 0, width-1)
	x1:=clamp32(int32(cx+outer)+1, 0, width-1)

	pixels:=[]int32{}
	for y:=y0; y<=y1; y++ {
		for x:=x0; x<=x1; x++ {
			dy, dx:=float32(y)-cy, float32(x)-cx
			dist:=float32(math.Sqrt(float64(dy*dy+dx*dx)))
			if dist<inner || dist>outer { continue }
			p:=y*width+x
			if claimed[p] { continue }
			pixels=append(pixels, p)
		}
	}
	return pixels
}

func clamp32(v, lo, hi int32) int32 {
	if v<lo { return lo }
	if v>hi { return hi }
	return v
}
