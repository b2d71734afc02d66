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


package stats

import (
	"fmt"
	"math"
	"github.com/valyala/fastrand"
)

// Basic statistics on data arrays
type Basic struct {
	Min    float32  // Minimum
	Max    float32  // Maximum
	Mean   float32  // Mean (average)
	StdDev float32  // Standard deviation (norm 2, sigma)
}

// Pretty print basic stats to string
func (s *Basic) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g", s.Min, s.Max, s.Mean, s.StdDev)
}

// Calculate basic statistics for a data array
func CalcBasic(data []float32) (s *Basic) {
	s=&Basic{}
	if len(data)==0 { return s }
	s.Min, s.Mean, s.Max=calcMinMeanMax(data)
	variance:=calcVariance(data, s.Mean)
	s.StdDev=float32(math.Sqrt(float64(variance)))
	return s
}

func calcMinMeanMax(data []float32) (min, mean, max float32) {
	min, max=data[0], data[0]
	sum:=float32(0)
	for _,d:=range data {
		if d<min { min=d }
		if d>max { max=d }
		sum+=d
	}
	return min, sum/float32(len(data)), max
}

func calcVariance(data []float32, mean float32) float32 {
	sumSq:=float32(0)
	for _,d:=range data {
		diff:=d-mean
		sumSq+=diff*diff
	}
	return sumSq/float32(len(data))
}

// Calculates mean and standard deviation of the given values
func MeanStdDev(xs []float32) (mean, stdDev float32) {
	for _,x:=range(xs) { mean+=x }
	mean/=float32(len(xs))
	variance:=float32(0)
	for _,x:=range(xs) { diff:=x-mean; variance+=diff*diff }
	variance/=float32(len(xs))
	return mean, float32(math.Sqrt(float64(variance)))
}

// Calculates the exact median of the data, leaving the data unchanged
func Median(data []float32) float32 {
	if len(data)==0 { return 0 }
	tmp:=append([]float32(nil), data...)
	return QSelectMedianFloat32(tmp)
}

// Calculates fast approximate median of the (presumably large) data by subsampling
// the given number of values and taking the median of that.
// Uses provided samples array as scratchpad
func FastApproxMedian(data []float32, samples []float32) float32 {
	if len(data)<=len(samples) {
		tmp:=append([]float32(nil), data...)
		return QSelectMedianFloat32(tmp)
	}
	max:=uint32(len(data))
	rng:=fastrand.RNG{}
	for i,_:=range samples {
		index:=rng.Uint32n(max)
		samples[i]=data[index]
	}
	return QSelectMedianFloat32(samples)
}

// Calculates fast approximate median absolute deviation around the given location,
// normalized to the Gaussian standard deviation.
// Uses provided samples array as scratchpad
func FastApproxMAD(data []float32, location float32, samples []float32) float32 {
	if len(data)<=len(samples) {
		tmp:=make([]float32, len(data))
		for i,d:=range data { tmp[i]=float32(math.Abs(float64(d-location))) }
		return QSelectMedianFloat32(tmp)*1.4826
	}
	max:=uint32(len(data))
	rng:=fastrand.RNG{}
	for i,_:=range samples {
		index:=rng.Uint32n(max)
		samples[i]=float32(math.Abs(float64(data[index]-location)))
	}
	return QSelectMedianFloat32(samples)*1.4826  // normalize to Gaussian std dev
}
