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
	"errors"
	"math"
	"gonum.org/v1/gonum/optimize"
)

// Calculate histogram of data between min and max into given bins
func Histogram(data []float32, min, max float32, bins []int32) {
	for i:=range bins {
		bins[i]=0
	}
	if max<=min { return }
	scale:=float32(len(bins)-1)/(max-min)
	for _,d:=range data {
		index:=(d-min)*scale
		bins[int(index)]++
	}
}

// Returns the location and the value of the histogram peak
func GetPeak(bins []int32, min, max float32) (x, y float32) {
	maxIndex, maxValue:=-1, int32(math.MinInt32)
	for i,v:=range bins {
		if v>maxValue {
			maxIndex, maxValue=i, v
		}
	}
	x=min+(float32(maxIndex)+0.5)*(max-min)/float32(len(bins)-1)
	y=float32(maxValue)
	return x, y
}

// Calculates the mode and the standard deviation of the given histogram by fitting
// a normal distribution with Nelder-Mead
func GetModeStdDevFromHistogram(bins []int32, min, max float32) (mode, stdDev float32, err error) {
	// Take an educated initial guess: the maximum value of the histogram
	peak, peakVal:=GetPeak(bins, min, max)

	// Now minimize the distance between the histogram and a normal distribution
	x0:=[]float64{float64(peakVal), float64(peak), float64(max-min)/10.0}
	problem:=optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma:=float32(x[0]), float32(x[1]), float32(x[2])
			scaler:=alpha/(sigma*float32(math.Sqrt(2*math.Pi)))
			sumSqDiff:=float32(0)
			for i,y:=range bins {
				x:=min+(float32(i)+0.5)*(max-min)/float32(len(bins)-1)
				xmusig:=(x-mu)/sigma
				yPredict:=scaler*float32(math.Exp(float64(-0.5*xmusig*xmusig)))
				diff:=float32(y)-yPredict
				sumSqDiff+=diff*diff
			}
			variance:=sumSqDiff/float32(len(bins))
			return math.Sqrt(float64(variance))
		},
	}
	result, err:=optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err!=nil {
		return -1, -1, err
	}
	mode, stdDev=float32(result.X[1]), float32(math.Abs(result.X[2]))
	if math.IsNaN(float64(mode)) || math.IsNaN(float64(stdDev)) || stdDev<=0 {
		return -1, -1, errors.New("histogram mode fit did not converge")
	}
	return mode, stdDev, nil
}

// Estimates the location (mode) and scale (sigma) of the given data from a histogram fit.
// Falls back to median and MAD when the fit fails
func HistogramScaleLoc(data []float32, min, max float32, numBins int) (loc, scale float32) {
	if len(data)==0 { return 0, 0 }
	bins:=make([]int32, numBins)
	Histogram(data, min, max, bins)
	loc, scale, err:=GetModeStdDevFromHistogram(bins, min, max)
	if err==nil && scale>0 { return loc, scale }

	samples:=make([]float32, 16*1024)
	loc  =FastApproxMedian(data, samples)
	scale=FastApproxMAD(data, loc, samples)
	return loc, scale
}
