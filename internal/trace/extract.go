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


package trace

import (
	"fmt"
	"io"

	"github.com/mlnoga/neurolight/internal/detect"
	"github.com/mlnoga/neurolight/internal/frame"
)

// Upper bound for the estimated neuropil contamination coefficient
const maxNeuropilCoef = 1.5

// Iteration cap for the robust coefficient fit
const coefFitIterations = 10

// Trace extraction parameters
type Params struct {
	Neucoeff       float32  // Fallback coefficient when the per-ROI estimate is degenerate
	FunctionalChan int      // Channel traces are extracted from
	ChunkSize      int      // Frames per read chunk, 0 = default
}

// Per-plane trace sets. Row-major ROIs x Frames, ordered exactly as the ROI
// set they were computed from
type Set struct {
	ROIs   int       `json:"rois"`
	Frames int       `json:"frames"`
	F      []float32 `json:"-"`     // Raw fluorescence
	Fneu   []float32 `json:"-"`     // Neuropil fluorescence
	Coef   []float32 `json:"coef"`  // Per-ROI neuropil contamination coefficient
}

// Returns the fluorescence trace of one ROI
func (s *Set) Trace(roi int) []float32 { return s.F[roi*s.Frames:(roi+1)*s.Frames] }

// Returns the neuropil trace of one ROI
func (s *Set) Neuropil(roi int) []float32 { return s.Fneu[roi*s.Frames:(roi+1)*s.Frames] }

// Returns the neuropil-corrected trace F - c*Fneu of one ROI as a new array
func (s *Set) Corrected(roi int) []float32 {
	f, fneu, c:=s.Trace(roi), s.Neuropil(roi), s.Coef[roi]
	out:=make([]float32, len(f))
	for i,v:=range f {
		out[i]=v-c*fneu[i]
	}
	return out
}

// Projects the registered movie onto ROI and neuropil masks. The fluorescence
// trace is the weighted mean of pixel intensities under the ROI mask per frame
// (weights normalized to sum one); the neuropil trace is the plain mean under
// the ring. Frames are read in chunks to bound memory
func Extract(src frame.Source, rois []detect.ROI, masks []detect.NeuropilMask, par Params, logWriter io.Writer) (*Set, error) {
	numFrames:=src.Frames()
	set:=&Set{
		ROIs:   len(rois),
		Frames: numFrames,
		F:      make([]float32, len(rois)*numFrames),
		Fneu:   make([]float32, len(rois)*numFrames),
		Coef:   make([]float32, len(rois)),
	}
	if len(rois)==0 || numFrames==0 {
		return set, nil
	}

	// normalized per-ROI weights; uniform when an ROI lost all weight to overlap removal
	normWeights:=make([][]float32, len(rois))
	for r,roi:=range rois {
		w:=make([]float32, len(roi.Weights))
		sum:=float32(0)
		for _,v:=range roi.Weights { sum+=v }
		if sum<=0 {
			for i,_:=range w { w[i]=1.0/float32(len(w)) }
		} else {
			for i,v:=range roi.Weights { w[i]=v/sum }
		}
		normWeights[r]=w
	}

	chunkSize:=par.ChunkSize
	if chunkSize<=0 { chunkSize=500 }
	for t0:=0; t0<numFrames; t0+=chunkSize {
		t1:=t0+chunkSize
		if t1>numFrames { t1=numFrames }
		fs, err:=src.ReadChunk(t0, t1, par.FunctionalChan)
		if err!=nil { return nil, fmt.Errorf("extracting traces for frames [%d,%d): %w", t0, t1, err) }

		for dt,f:=range fs {
			t:=t0+dt
			for r,roi:=range rois {
				sum:=float32(0)
				for i,p:=range roi.Pixels {
					sum+=f.Data[p]*normWeights[r][i]
				}
				set.F[r*numFrames+t]=sum

				mask:=masks[r]
				if len(mask.Pixels)>0 {
					neu:=float32(0)
					for _,p:=range mask.Pixels {
						neu+=f.Data[p]
					}
					set.Fneu[r*numFrames+t]=neu/float32(len(mask.Pixels))
				}
			}
		}
	}

	for r:=0; r<len(rois); r++ {
		set.Coef[r]=estimateCoefficient(set.Trace(r), set.Neuropil(r), par.Neucoeff)
	}
	fmt.Fprintf(logWriter, "Extracted %d traces over %d frames.\n", len(rois), numFrames)
	return set, nil
}

// Estimates the contamination coefficient c in F ~ c*Fneu + b with a bounded
// robust fit: refit on the points the current model explains within two sigma,
// so activity transients do not inflate the estimate. Returns the fallback
// when the neuropil trace carries no variance
func estimateCoefficient(f, fneu []float32, fallback float32) float32 {
	kept:=make([]bool, len(f))
	for i,_:=range kept { kept[i]=true }

	c:=fallback
	for iter:=0; iter<coefFitIterations; iter++ {
		// least squares on kept points
		n, sumF, sumN:=float32(0), float32(0), float32(0)
		for i,k:=range kept {
			if !k { continue }
			n++
			sumF+=f[i]
			sumN+=fneu[i]
		}
		if n<2 { break }
		meanF, meanN:=sumF/n, sumN/n
		cov, varN:=float32(0), float32(0)
		for i,k:=range kept {
			if !k { continue }
			df, dn:=f[i]-meanF, fneu[i]-meanN
			cov +=df*dn
			varN+=dn*dn
		}
		if varN<=1e-12 { return clampCoef(fallback) }

		cNew:=cov/varN
		cNew=clampCoef(cNew)
		b:=meanF-cNew*meanN

		// residual sigma over kept points
		sumSq:=float32(0)
		for i,k:=range kept {
			if !k { continue }
			res:=f[i]-cNew*fneu[i]-b
			sumSq+=res*res
		}
		sigma:=sqrt32(sumSq/n)

		changed:=false
		for i,_:=range kept {
			res:=f[i]-cNew*fneu[i]-b
			keep:=res<2*sigma && res>-2*sigma
			if keep!=kept[i] { changed=true }
			kept[i]=keep
		}

		done:=!changed || abs32(cNew-c)<1e-4
		c=cNew
		if done { break }
	}
	return clampCoef(c)
}

func clampCoef(c float32) float32 {
	if c<0 { return 0 }
	if c>maxNeuropilCoef { return maxNeuropilCoef }
	return c
}
