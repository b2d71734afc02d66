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


package deconv

import (
	"fmt"

	"github.com/mlnoga/neurolight/internal/stats"
)

// Baseline estimation modes
const (
	BaselineMaximin = "maximin"  // max of a windowed min over a Gaussian-smoothed trace
	BaselinePrctile = "prctile"  // sliding-window percentile
)

// Estimates the slowly varying fluorescence floor of the trace.
// Window and smoothing sigma are given in seconds and scaled by the sampling rate
func EstimateBaseline(trace []float32, mode string, winSeconds, sigSeconds, prctile, fs float32) ([]float32, error) {
	if len(trace)==0 { return []float32{}, nil }
	win:=int(winSeconds*fs)
	if win<1 { win=1 }

	switch mode {
	case BaselineMaximin:
		sigma:=sigSeconds*fs
		smoothed:=trace
		if sigma>=0.5 {
			smoothed=make([]float32, len(trace))
			// short traces need the kernel trimmed so boundary reflection stays in range
			kernel:=stats.TrimKernel1D(stats.GaussianKernel1D(sigma), len(trace))
			stats.Convolve1D(smoothed, trace, kernel)
		}
		mins:=slidingMin(smoothed, win)
		return slidingMax(mins, win), nil
	case BaselinePrctile:
		return slidingPercentile(trace, win, prctile/100), nil
	default:
		return nil, fmt.Errorf("unknown baseline mode %q", mode)
	}
}

// Sliding-window minimum over a centered window, via a monotonic wedge
func slidingMin(data []float32, win int) []float32 {
	return slidingExtremum(data, win, func(a, b float32) bool { return a<=b })
}

// Sliding-window maximum over a centered window, via a monotonic wedge
func slidingMax(data []float32, win int) []float32 {
	return slidingExtremum(data, win, func(a, b float32) bool { return a>=b })
}

func slidingExtremum(data []float32, win int, better func(a, b float32) bool) []float32 {
	out :=make([]float32, len(data))
	deque:=make([]int, 0, win+1)   // indices with monotonically better values
	half:=win/2
	for i:=0; i<len(data)+half; i++ {
		if i<len(data) {
			for len(deque)>0 && better(data[i], data[deque[len(deque)-1]]) {
				deque=deque[:len(deque)-1]
			}
			deque=append(deque, i)
		}
		lo:=i-win+1
		for len(deque)>0 && deque[0]<lo {
			deque=deque[1:]
		}
		if o:=i-half; o>=0 && o<len(data) {
			out[o]=data[deque[0]]
		}
	}
	return out
}

// Sliding-window percentile (p in [0,1]) over a centered window
func slidingPercentile(data []float32, win int, p float32) []float32 {
	out:=make([]float32, len(data))
	half:=win/2
	scratch:=make([]float32, 0, win)
	for i:=range data {
		lo, hi:=i-half, i+half+1
		if lo<0 { lo=0 }
		if hi>len(data) { hi=len(data) }
		scratch=append(scratch[:0], data[lo:hi]...)
		out[i]=stats.QSelectPercentileFloat32(scratch, p)
	}
	return out
}
