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
	"math"
	"testing"
	"github.com/valyala/fastrand"
)

func testDeconvParams() Params {
	return Params{Tau:1.0, Fs:10.0, BaselineMode:BaselineMaximin, WinBaseline:60, SigBaseline:10, Prctile:8}
}

// renders spikes through the AR(1) calcium kernel with decay g
func convolveSpikes(n int, spikes map[int]float32, g float32) []float32 {
	out:=make([]float32, n)
	c:=float32(0)
	for t:=0; t<n; t++ {
		c*=g
		if s,ok:=spikes[t]; ok { c+=s }
		out[t]=c
	}
	return out
}

func TestDeconvolveRecoversSpikes(t *testing.T) {
	par:=testDeconvParams()
	g:=float32(math.Exp(float64(-1.0/(par.Tau*par.Fs))))
	want:=map[int]float32{100:5, 300:3, 301:2, 600:4}
	trace:=convolveSpikes(1000, want, g)

	_, spikes, err:=Deconvolve(trace, par)
	if err!=nil { t.Fatalf("deconvolving: %s", err.Error()) }
	if len(spikes)!=len(trace) { t.Fatalf("got %d spikes; want %d", len(spikes), len(trace)) }

	for pos,amp:=range want {
		if got:=spikes[pos]; math.Abs(float64(got-amp))>0.5 {
			t.Errorf("spike at %d got %f; want %f", pos, got, amp)
		}
	}
	// away from events and window edges, the output stays near zero
	for _,pos:=range []int{150, 250, 450, 800} {
		if got:=spikes[pos]; got>0.1 {
			t.Errorf("spike at quiet frame %d got %f; want ~0", pos, got)
		}
	}
}

func TestDeconvolveNonNegative(t *testing.T) {
	rng:=fastrand.RNG{}
	trace:=make([]float32, 2000)
	for i:=range trace {
		trace[i]=float32(rng.Uint32n(1000))/100.0-5
	}
	_, spikes, err:=Deconvolve(trace, testDeconvParams())
	if err!=nil { t.Fatalf("deconvolving: %s", err.Error()) }
	for i,s:=range spikes {
		if s<0 { t.Fatalf("spike %d is negative: %f", i, s) }
	}
}

func TestDeconvolvePureDecayYieldsSilence(t *testing.T) {
	par:=testDeconvParams()
	g:=float32(math.Exp(float64(-1.0/(par.Tau*par.Fs))))
	trace:=convolveSpikes(500, map[int]float32{0:10}, g)

	_, spikes, err:=Deconvolve(trace, par)
	if err!=nil { t.Fatalf("deconvolving: %s", err.Error()) }
	for i:=1; i<len(spikes); i++ {
		if spikes[i]>0.1 {
			t.Errorf("spike at %d got %f during pure decay; want ~0", i, spikes[i])
		}
	}
}

func TestDeconvolveValidation(t *testing.T) {
	par:=testDeconvParams()
	par.Tau=0
	if _, _, err:=Deconvolve([]float32{1,2,3}, par); err==nil {
		t.Errorf("tau=0 accepted; want error")
	}
	par=testDeconvParams()
	par.Fs=-1
	if _, _, err:=Deconvolve([]float32{1,2,3}, par); err==nil {
		t.Errorf("fs=-1 accepted; want error")
	}
	par=testDeconvParams()
	par.BaselineMode="bogus"
	if _, _, err:=Deconvolve([]float32{1,2,3}, par); err==nil {
		t.Errorf("unknown baseline mode accepted; want error")
	}
}

func TestDeconvolveEmptyTrace(t *testing.T) {
	baseline, spikes, err:=Deconvolve([]float32{}, testDeconvParams())
	if err!=nil { t.Fatalf("deconvolving empty trace: %s", err.Error()) }
	if len(baseline)!=0 || len(spikes)!=0 {
		t.Errorf("got %d baseline and %d spike samples; want 0 and 0", len(baseline), len(spikes))
	}
}

func TestEstimateBaselineMaximin(t *testing.T) {
	// slow ramp with occasional transients: the baseline must track the ramp,
	// not the transients
	n:=1000
	trace:=make([]float32, n)
	for i:=range trace {
		trace[i]=float32(i)*0.01
		if i%100==50 { trace[i]+=20 }
	}
	baseline, err:=EstimateBaseline(trace, BaselineMaximin, 10, 1, 8, 10)
	if err!=nil { t.Fatalf("estimating baseline: %s", err.Error()) }
	for i:=100; i<n-100; i++ {
		if d:=float64(baseline[i]-trace[i]); d>3 && i%100!=50 {
			t.Errorf("baseline[%d]=%f far above trace %f", i, baseline[i], trace[i])
		}
		if d:=float64(trace[i]-baseline[i]); i%100!=50 && d>3 {
			t.Errorf("baseline[%d]=%f far below trace %f", i, baseline[i], trace[i])
		}
	}
}

func TestEstimateBaselineMaximinShortTrace(t *testing.T) {
	// traces shorter than the smoothing kernel at the default sigma of
	// 10s at 10Hz must still yield a baseline
	for _,n:=range []int{1, 5, 50, 150} {
		trace:=make([]float32, n)
		for i:=range trace { trace[i]=42 }
		baseline, err:=EstimateBaseline(trace, BaselineMaximin, 60, 10, 8, 10)
		if err!=nil { t.Fatalf("n=%d: estimating baseline: %s", n, err.Error()) }
		if len(baseline)!=n { t.Fatalf("n=%d: got %d baseline samples; want %d", n, len(baseline), n) }
		for i,b:=range baseline {
			if math.Abs(float64(b-42))>1e-3 {
				t.Errorf("n=%d baseline[%d] got %f; want 42", n, i, b)
			}
		}
	}
}

func TestEstimateBaselinePrctile(t *testing.T) {
	// constant floor with transients: a low percentile returns the floor
	n:=500
	trace:=make([]float32, n)
	for i:=range trace {
		trace[i]=10
		if i%50==25 { trace[i]=100 }
	}
	baseline, err:=EstimateBaseline(trace, BaselinePrctile, 10, 1, 8, 10)
	if err!=nil { t.Fatalf("estimating baseline: %s", err.Error()) }
	for i,b:=range baseline {
		if math.Abs(float64(b-10))>1e-4 {
			t.Errorf("baseline[%d] got %f; want 10", i, b)
		}
	}
}

func TestSlidingExtrema(t *testing.T) {
	data:=[]float32{3, 1, 4, 1, 5, 9, 2, 6}
	mins:=slidingMin(data, 3)
	maxs:=slidingMax(data, 3)
	wantMin:=[]float32{1, 1, 1, 1, 1, 2, 2, 2}
	wantMax:=[]float32{3, 4, 4, 5, 9, 9, 9, 6}
	for i:=range data {
		if mins[i]!=wantMin[i] { t.Errorf("min[%d] got %f; want %f", i, mins[i], wantMin[i]) }
		if maxs[i]!=wantMax[i] { t.Errorf("max[%d] got %f; want %f", i, maxs[i], wantMax[i]) }
	}
}
