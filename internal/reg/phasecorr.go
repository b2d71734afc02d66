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
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"github.com/mlnoga/neurolight/internal/frame"
)

const crossPowerEpsilon = 1e-12

// Estimates whole-frame translations against a fixed reference image via phase
// correlation. The reference spectrum and FFT plans are computed once, so per-frame
// estimation is a pure function of the frame pixels and reusable across workers
type PhaseCorrelator struct {
	width, height int
	rowFFT        *fourier.CmplxFFT   // plan for rows, length width
	colFFT        *fourier.CmplxFFT   // plan for columns, length height
	refConj       []complex128        // conjugated reference spectrum, row-major height x width
	subpixel      int                 // sub-pixel steps per integer pixel, >=1
}

// Creates a phase correlator for the given reference image and sub-pixel resolution
func NewPhaseCorrelator(ref *frame.Frame, subpixel int) (*PhaseCorrelator, error) {
	if subpixel<1 { return nil, fmt.Errorf("subpixel steps %d must be >=1", subpixel) }
	width, height:=int(ref.Width), int(ref.Height)
	if width<2 || height<2 { return nil, fmt.Errorf("reference dimensions %dx%d too small", width, height) }

	p:=&PhaseCorrelator{
		width:    width,
		height:   height,
		rowFFT:   fourier.NewCmplxFFT(width),
		colFFT:   fourier.NewCmplxFFT(height),
		subpixel: subpixel,
	}
	spectrum:=p.fft2(ref.Data)
	for i,v:=range spectrum {
		spectrum[i]=cmplx.Conj(v)
	}
	p.refConj=spectrum
	return p, nil
}

// Forward 2D FFT of row-major real data, rows then columns
func (p *PhaseCorrelator) fft2(data []float32) []complex128 {
	a:=make([]complex128, p.height*p.width)
	for i,d:=range data {
		a[i]=complex(float64(d), 0)
	}
	// rows
	for y:=0; y<p.height; y++ {
		row:=a[y*p.width:(y+1)*p.width]
		p.rowFFT.Coefficients(row, row)
	}
	// cols
	col:=make([]complex128, p.height)
	for x:=0; x<p.width; x++ {
		for y:=0; y<p.height; y++ { col[y]=a[y*p.width+x] }
		p.colFFT.Coefficients(col, col)
		for y:=0; y<p.height; y++ { a[y*p.width+x]=col[y] }
	}
	return a
}

// Unnormalized inverse 2D FFT in place, rows then columns
func (p *PhaseCorrelator) ifft2(a []complex128) {
	for y:=0; y<p.height; y++ {
		row:=a[y*p.width:(y+1)*p.width]
		p.rowFFT.Sequence(row, row)
	}
	col:=make([]complex128, p.height)
	for x:=0; x<p.width; x++ {
		for y:=0; y<p.height; y++ { col[y]=a[y*p.width+x] }
		p.colFFT.Sequence(col, col)
		for y:=0; y<p.height; y++ { a[y*p.width+x]=col[y] }
	}
}

// Estimates the translation of the given frame relative to the reference.
// Returns integer shift (dy,dx), sub-pixel remainders in (-1,1), and the
// normalized correlation peak value as a quality measure in [0,1]
func (p *PhaseCorrelator) Estimate(f *frame.Frame) (dy, dx int32, subDy, subDx float32, corr float32, err error) {
	if int(f.Width)!=p.width || int(f.Height)!=p.height {
		return 0,0,0,0,0, fmt.Errorf("frame %d dimensions %dx%d differ from reference %dx%d",
			f.ID, f.Width, f.Height, p.width, p.height)
	}

	// normalized cross-power spectrum
	r:=p.fft2(f.Data)
	for i,v:=range r {
		v*=p.refConj[i]
		mag:=cmplx.Abs(v)
		if mag<crossPowerEpsilon { mag=crossPowerEpsilon }
		r[i]=v/complex(mag, 0)
	}
	spectrum:=append([]complex128(nil), r...)  // keep for sub-pixel refinement

	// integer peak of the correlation surface
	p.ifft2(r)
	norm:=1.0/float64(p.width*p.height)
	peakIndex, peakVal:=0, math.Inf(-1)
	for i,v:=range r {
		if re:=real(v); re>peakVal {
			peakIndex, peakVal=i, re
		}
	}
	corr=float32(peakVal*norm)
	iy, ix:=peakIndex/p.width, peakIndex%p.width
	// wraparound sign convention: peaks beyond the midpoint are negative shifts
	if iy>p.height/2 { iy-=p.height }
	if ix>p.width /2 { ix-=p.width  }
	dy, dx=int32(iy), int32(ix)

	if p.subpixel<=1 {
		return dy, dx, 0, 0, corr, nil
	}

	// refine by evaluating an upsampled inverse DFT on a sub-pixel neighborhood of the peak
	subDy, subDx, subCorr:=p.refinePeak(spectrum, float64(iy), float64(ix))
	if subCorr>corr { corr=subCorr }
	return dy, dx, subDy, subDx, corr, nil
}

// Evaluates the correlation surface at sub-pixel offsets around (py,px) using
// matrix-product upsampled DFTs, and returns the sub-pixel remainder of the peak.
// The search stays strictly within one pixel of the integer peak, so the
// remainders are in (-1,1)
func (p *PhaseCorrelator) refinePeak(spectrum []complex128, py, px float64) (subDy, subDx, corr float32) {
	radius:=p.subpixel-1              // offsets up to +-(1-1/subpixel) pixels
	step  :=1.0/float64(p.subpixel)
	m     :=2*radius+1

	// wrapped frequency indices
	ky:=make([]float64, p.height)
	for k:=range ky {
		if k<=p.height/2 { ky[k]=float64(k) } else { ky[k]=float64(k-p.height) }
	}
	kx:=make([]float64, p.width)
	for l:=range kx {
		if l<=p.width/2 { kx[l]=float64(l) } else { kx[l]=float64(l-p.width) }
	}

	// row kernel: m x height, entry exp(+2pi i ky*(py+offset)/height)
	rowData:=make([]complex128, m*p.height)
	for i:=0; i<m; i++ {
		y:=py+float64(i-radius)*step
		for k:=0; k<p.height; k++ {
			rowData[i*p.height+k]=cmplx.Exp(complex(0, 2*math.Pi*ky[k]*y/float64(p.height)))
		}
	}
	// column kernel: width x m, entry exp(+2pi i kx*(px+offset)/width)
	colData:=make([]complex128, p.width*m)
	for l:=0; l<p.width; l++ {
		for j:=0; j<m; j++ {
			x:=px+float64(j-radius)*step
			colData[l*m+j]=cmplx.Exp(complex(0, 2*math.Pi*kx[l]*x/float64(p.width)))
		}
	}

	// tmp = rowKernel(m x height) * spectrum(height x width)
	tmp:=make([]complex128, m*p.width)
	for i:=0; i<m; i++ {
		for k:=0; k<p.height; k++ {
			rk:=rowData[i*p.height+k]
			row:=spectrum[k*p.width:(k+1)*p.width]
			for l,s:=range row {
				tmp[i*p.width+l]+=rk*s
			}
		}
	}
	// cc = tmp(m x width) * colKernel(width x m)
	cc:=make([]complex128, m*m)
	for i:=0; i<m; i++ {
		for l:=0; l<p.width; l++ {
			tv:=tmp[i*p.width+l]
			for j:=0; j<m; j++ {
				cc[i*m+j]+=tv*colData[l*m+j]
			}
		}
	}

	norm:=1.0/float64(p.width*p.height)
	bestI, bestJ, bestVal:=radius, radius, math.Inf(-1)
	for i:=0; i<m; i++ {
		for j:=0; j<m; j++ {
			if v:=real(cc[i*m+j]); v>bestVal {
				bestI, bestJ, bestVal=i, j, v
			}
		}
	}
	subDy=float32(float64(bestI-radius)*step)
	subDx=float32(float64(bestJ-radius)*step)
	return subDy, subDx, float32(bestVal*norm)
}
