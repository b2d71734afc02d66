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
	"math"
)

// Deconvolution parameters
type Params struct {
	Tau          float32  // Exponential decay time constant of the indicator, in seconds
	Fs           float32  // Sampling rate, frames per second
	BaselineMode string   // BaselineMaximin or BaselinePrctile
	WinBaseline  float32  // Baseline window in seconds
	SigBaseline  float32  // Gaussian smoothing sigma in seconds (maximin mode)
	Prctile      float32  // Percentile in [0,100] (prctile mode)
}

// Estimates the baseline and recovers a sparse non-negative spike-rate estimate
// from the neuropil-corrected fluorescence trace. The output has the same length
// as the input, is element-wise non-negative, and is zero wherever the trace is
// explained by exponential decay from an earlier event
func Deconvolve(trace []float32, par Params) (baseline, spikes []float32, err error) {
	if par.Tau<=0 { return nil, nil, fmt.Errorf("decay time constant tau=%g must be positive", par.Tau) }
	if par.Fs <=0 { return nil, nil, fmt.Errorf("sampling rate fs=%g must be positive", par.Fs) }

	baseline, err=EstimateBaseline(trace, par.BaselineMode, par.WinBaseline, par.SigBaseline, par.Prctile, par.Fs)
	if err!=nil { return nil, nil, err }
	if len(trace)==0 { return baseline, []float32{}, nil }

	corrected:=make([]float32, len(trace))
	for i,v:=range trace {
		corrected[i]=v-baseline[i]
	}

	g:=float32(math.Exp(float64(-1.0/(par.Tau*par.Fs))))
	spikes=oasisAR1(corrected, g)
	return baseline, spikes, nil
}

// One pool of the pool-adjacent-violators pass: value at pool start, weight,
// start index, and length
type pool struct {
	v float32
	w float32
	t int
	l int
}

// Sparse non-negative deconvolution for an AR(1) calcium kernel with decay g,
// via pool adjacent violators: pools merge while the spike implied at a pool
// boundary would be negative. Runs in a single forward pass; each datum is
// merged at most once per pool, so work is bounded by the trace length
func oasisAR1(y []float32, g float32) []float32 {
	pools:=make([]pool, 0, len(y))
	for t,v:=range y {
		p:=pool{v:v, w:1, t:t, l:1}
		// merge while the new pool undershoots the decayed end of the previous one
		for len(pools)>0 {
			prev:=pools[len(pools)-1]
			gl:=powf(g, prev.l)
			if p.v>=gl*prev.v { break }
			// weighted merge of p into prev
			v:=(prev.w*prev.v + gl*p.w*p.v)/(prev.w + gl*gl*p.w)
			prev.w+=gl*gl*p.w
			prev.v=v
			prev.l+=p.l
			pools=pools[:len(pools)-1]
			p=prev
		}
		pools=append(pools, p)
	}

	// reconstruct the denoised calcium trace from the pools
	c:=make([]float32, len(y))
	for _,p:=range pools {
		v:=p.v
		if v<0 { v=0 }
		for k:=0; k<p.l; k++ {
			c[p.t+k]=v
			v*=g
		}
	}

	// spikes are the residual above the decay prediction
	s:=make([]float32, len(y))
	s[0]=c[0]
	for t:=1; t<len(c); t++ {
		d:=c[t]-g*c[t-1]
		if d<0 { d=0 }  // clamp boundary artifacts of clamped pools
		s[t]=d
	}
	return s
}

func powf(g float32, n int) float32 {
	return float32(math.Pow(float64(g), float64(n)))
}
