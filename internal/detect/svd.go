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

	"gonum.org/v1/gonum/mat"
	"github.com/mlnoga/neurolight/internal/frame"
)

// Low-rank spatial basis of the dominant correlated activity patterns of one
// plane. Component weights are signed; the extraction step produces
// non-negative ROI weights from their energies
type Basis struct {
	Width  int32
	Height int32
	Comp   [][]float32   // One spatial component per entry, each len=Width*Height, scaled by singular value
}

// Reduces the registered functional-channel movie to a low-rank spatial basis.
// Frames are averaged into at most navgFrames temporal bins, the per-pixel mean
// is removed, and a thin SVD keeps at most nComp components
func ComputeBasis(src frame.Source, ch, navgFrames, nComp int, logWriter io.Writer) (*Basis, error) {
	width, height:=src.Dims()
	numFrames:=src.Frames()
	if numFrames==0 {
		return &Basis{Width:width, Height:height}, nil
	}
	if navgFrames<1 { navgFrames=1 }
	numBins:=navgFrames
	if numBins>numFrames { numBins=numFrames }
	binSize:=numFrames/numBins

	pixels:=int(width)*int(height)
	binned:=make([]float64, numBins*pixels)

	// temporal binning, reading one chunk per bin to bound memory
	for b:=0; b<numBins; b++ {
		t0:=b*binSize
		t1:=t0+binSize
		if b==numBins-1 { t1=numFrames }  // last bin absorbs the remainder
		fs, err:=src.ReadChunk(t0, t1, ch)
		if err!=nil { return nil, fmt.Errorf("binning frames [%d,%d): %w", t0, t1, err) }
		row:=binned[b*pixels:(b+1)*pixels]
		norm:=1.0/float64(len(fs))
		for _,f:=range fs {
			for i,v:=range f.Data {
				row[i]+=float64(v)*norm
			}
		}
	}

	// remove the per-pixel temporal mean so components capture activity, not anatomy
	for i:=0; i<pixels; i++ {
		mean:=0.0
		for b:=0; b<numBins; b++ {
			mean+=binned[b*pixels+i]
		}
		mean/=float64(numBins)
		for b:=0; b<numBins; b++ {
			binned[b*pixels+i]-=mean
		}
	}

	var svd mat.SVD
	if ok:=svd.Factorize(mat.NewDense(numBins, pixels, binned), mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD of %dx%d binned movie did not converge", numBins, pixels)
	}
	var v mat.Dense
	svd.VTo(&v)
	values:=svd.Values(nil)

	keep:=nComp
	if keep>len(values) { keep=len(values) }
	if keep<1 { keep=1 }

	comp:=make([][]float32, keep)
	for c:=0; c<keep; c++ {
		comp[c]=make([]float32, pixels)
		s:=values[c]
		for i:=0; i<pixels; i++ {
			comp[c][i]=float32(v.At(i, c)*s)
		}
	}
	fmt.Fprintf(logWriter, "Computed %d spatial components from %d temporal bins of %d frames.\n",
		keep, numBins, numFrames)
	return &Basis{Width:width, Height:height, Comp:comp}, nil
}

// Per-pixel root energy across all components, the activity map peaks are
// extracted from
func (b *Basis) ActivityMap() []float32 {
	pixels:=int(b.Width)*int(b.Height)
	m:=make([]float32, pixels)
	for _,comp:=range b.Comp {
		for i,v:=range comp {
			m[i]+=v*v
		}
	}
	for i,v:=range m {
		m[i]=sqrt32(v)
	}
	return m
}

// Zeroes the given pixels in every component, removing their contribution
// from the residual basis
func (b *Basis) SubtractPixels(pixels []int32) {
	for _,comp:=range b.Comp {
		for _,p:=range pixels {
			comp[p]=0
		}
	}
}
