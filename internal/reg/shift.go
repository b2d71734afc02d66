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


package reg

import (
	"github.com/mlnoga/neurolight/internal/frame"
)

// Per-frame rigid registration result. Written exactly once per frame,
// immutable afterwards
type FrameShift struct {
	Frame         int     `json:"frame"`           // Frame index within the plane
	Dy            int32   `json:"dy"`              // Integer shift in rows
	Dx            int32   `json:"dx"`              // Integer shift in columns
	SubDy         float32 `json:"subpixel_dy"`     // Sub-pixel remainder in rows
	SubDx         float32 `json:"subpixel_dx"`     // Sub-pixel remainder in columns
	Corr          float32 `json:"correlation_quality"` // Normalized correlation peak
	Clipped       bool    `json:"clipped"`         // Shift exceeded the limit and was clamped
	LowConfidence bool    `json:"low_confidence"`  // Clipped, or correlation below threshold
}

// Total shift including the sub-pixel remainder
func (s *FrameShift) TotalDy() float32 { return float32(s.Dy)+s.SubDy }
func (s *FrameShift) TotalDx() float32 { return float32(s.Dx)+s.SubDx }

// Clamps the shift to the given per-axis limits, setting the clipped and
// low-confidence flags if either axis exceeded its limit
func (s *FrameShift) Clip(limitY, limitX float32) {
	if ty:=s.TotalDy(); ty>limitY || ty< -limitY {
		s.Dy, s.SubDy=clampSplit(ty, limitY)
		s.Clipped, s.LowConfidence=true, true
	}
	if tx:=s.TotalDx(); tx>limitX || tx< -limitX {
		s.Dx, s.SubDx=clampSplit(tx, limitX)
		s.Clipped, s.LowConfidence=true, true
	}
}

// Clamps v to [-limit, limit] and splits into integer and fractional parts
func clampSplit(v, limit float32) (int32, float32) {
	if v>limit  { v= limit }
	if v< -limit { v=-limit }
	i:=int32(v)
	return i, v-float32(i)
}

// Samples the frame at (y+dy, x+dx) with bilinear interpolation and edge clamping,
// undoing the estimated displacement. Returns a newly allocated pixel array
func ApplyShift(f *frame.Frame, dy, dx float32) []float32 {
	width, height:=int(f.Width), int(f.Height)
	out:=make([]float32, len(f.Data))
	for y:=0; y<height; y++ {
		sy:=float32(y)+dy
		y0:=int(floor(sy))
		fy:=sy-float32(y0)
		y1:=y0+1
		y0c, y1c:=clampInt(y0, 0, height-1), clampInt(y1, 0, height-1)
		for x:=0; x<width; x++ {
			sx:=float32(x)+dx
			x0:=int(floor(sx))
			fx:=sx-float32(x0)
			x1:=x0+1
			x0c, x1c:=clampInt(x0, 0, width-1), clampInt(x1, 0, width-1)

			v00:=f.Data[y0c*width+x0c]
			v01:=f.Data[y0c*width+x1c]
			v10:=f.Data[y1c*width+x0c]
			v11:=f.Data[y1c*width+x1c]
			top:=v00+(v01-v00)*fx
			bot:=v10+(v11-v10)*fx
			out[y*width+x]=top+(bot-top)*fy
		}
	}
	return out
}

// Integer-only translation with edge clamping, avoiding interpolation blur.
// Used when the sub-pixel remainder is zero
func ApplyShiftInt(f *frame.Frame, dy, dx int32) []float32 {
	width, height:=int(f.Width), int(f.Height)
	out:=make([]float32, len(f.Data))
	for y:=0; y<height; y++ {
		sy:=clampInt(y+int(dy), 0, height-1)
		for x:=0; x<width; x++ {
			sx:=clampInt(x+int(dx), 0, width-1)
			out[y*width+x]=f.Data[sy*width+sx]
		}
	}
	return out
}

func floor(v float32) float32 {
	i:=float32(int(v))
	if v<0 && v!=i { i-- }
	return i
}

func clampInt(v, lo, hi int) int {
	if v<lo { return lo }
	if v>hi { return hi }
	return v
}
