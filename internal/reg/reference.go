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
	"io"
	"sort"

	"github.com/valyala/fastrand"
	"github.com/mlnoga/neurolight/internal/frame"
)

// Number of refinement passes over the sampled frames. The loop is not proven to
// converge, so it always runs a fixed number of iterations and returns whatever
// reference it has at the end
const refIterations = 8

// Fraction of best-correlated sampled frames kept when rebuilding the running average
const refKeepFraction = 0.5

// Builds the reference image a plane is registered against. Samples up to nImgInit
// frames of the given channel at random, then iteratively re-aligns the samples to
// the running average and rebuilds the average from the best-aligned half.
// Never fails once it has at least one frame; an empty source yields a nil reference
func BuildReference(src frame.Source, ch, nImgInit, subpixel int, maxShiftFrac float32, logWriter io.Writer) (*frame.Frame, error) {
	numFrames:=src.Frames()
	if numFrames==0 { return nil, nil }
	width, height:=src.Dims()

	// bounded random sample, deterministic for a given frame count
	sampleIdx:=sampleFrameIndices(numFrames, nImgInit)
	samples:=make([]*frame.Frame, 0, len(sampleIdx))
	for _,t:=range sampleIdx {
		f, err:=src.Frame(t, ch)
		if err!=nil { return nil, fmt.Errorf("sampling frame %d for reference: %w", t, err) }
		samples=append(samples, f)
	}
	fmt.Fprintf(logWriter, "Building reference from %d of %d frames...\n", len(samples), numFrames)

	ref:=meanFrame(width, height, samples)
	if len(samples)<2 { return ref, nil }

	limitY:=maxShiftFrac*float32(height)
	limitX:=maxShiftFrac*float32(width)

	type aligned struct {
		shifted []float32
		corr    float32
	}
	for iter:=0; iter<refIterations; iter++ {
		corr, err:=NewPhaseCorrelator(ref, subpixel)
		if err!=nil { return nil, err }

		results:=make([]aligned, len(samples))
		for i,s:=range samples {
			dy, dx, subDy, subDx, quality, err:=corr.Estimate(s)
			if err!=nil { return nil, err }
			shift:=FrameShift{Frame:s.ID, Dy:dy, Dx:dx, SubDy:subDy, SubDx:subDx, Corr:quality}
			shift.Clip(limitY, limitX)
			results[i]=aligned{ApplyShift(s, shift.TotalDy(), shift.TotalDx()), quality}
		}

		// keep the best-correlated fraction, at least one frame
		order:=make([]int, len(results))
		for i,_:=range order { order[i]=i }
		sort.Slice(order, func(a, b int) bool { return results[order[a]].corr>results[order[b]].corr })
		keep:=int(float32(len(order))*refKeepFraction)
		if keep<1 { keep=1 }

		kept:=make([][]float32, keep)
		for i:=0; i<keep; i++ {
			kept[i]=results[order[i]].shifted
		}
		ref=meanData(width, height, kept)
		fmt.Fprintf(logWriter, "Reference pass %d: kept %d of %d frames, best corr %.4f\n",
			iter+1, keep, len(samples), results[order[0]].corr)
	}
	return ref, nil
}

// Picks up to n distinct frame indices, seeded from the frame count so the
// sample is reproducible for a given movie
func sampleFrameIndices(numFrames, n int) []int {
	if n>=numFrames {
		all:=make([]int, numFrames)
		for i,_:=range all { all[i]=i }
		return all
	}
	rng:=fastrand.RNG{}
	rng.Seed(uint32(numFrames)*2654435761+1)
	seen:=make(map[int]bool, n)
	indices:=make([]int, 0, n)
	for len(indices)<n {
		t:=int(rng.Uint32n(uint32(numFrames)))
		if seen[t] { continue }
		seen[t]=true
		indices=append(indices, t)
	}
	sort.Ints(indices)
	return indices
}

func meanFrame(width, height int32, fs []*frame.Frame) *frame.Frame {
	data:=make([][]float32, len(fs))
	for i,f:=range fs { data[i]=f.Data }
	return meanData(width, height, data)
}

func meanData(width, height int32, data [][]float32) *frame.Frame {
	out:=frame.NewFrame(-1, width, height, nil)
	if len(data)==0 { return out }
	norm:=1.0/float32(len(data))
	for _,d:=range data {
		for i,v:=range d {
			out.Data[i]+=v
		}
	}
	for i,_:=range out.Data {
		out.Data[i]*=norm
	}
	return out
}
