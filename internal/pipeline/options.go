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


package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// The full recognized option set. One immutable value is validated before any
// stage runs and passed by reference into each stage's entry point; no stage
// mutates it. Channel indices are zero-based
type Options struct {
	NPlanes             int     `json:"nplanes"               yaml:"nplanes"`
	NChannels           int     `json:"nchannels"             yaml:"nchannels"`
	Diameter            float32 `json:"diameter"              yaml:"diameter"`
	Tau                 float32 `json:"tau"                   yaml:"tau"`
	Fs                  float32 `json:"fs"                    yaml:"fs"`
	FunctionalChan      int     `json:"functional_chan"       yaml:"functional_chan"`
	AlignByChan         int     `json:"align_by_chan"         yaml:"align_by_chan"`
	BatchSize           int     `json:"batch_size"            yaml:"batch_size"`
	Subpixel            int     `json:"subpixel"              yaml:"subpixel"`
	MaxRegShift         float32 `json:"maxregshift"           yaml:"maxregshift"`
	NImgInit            int     `json:"nimg_init"             yaml:"nimg_init"`
	NavgFramesSVD       int     `json:"navg_frames_svd"       yaml:"navg_frames_svd"`
	NsvdForROI          int     `json:"nsvd_for_roi"          yaml:"nsvd_for_roi"`
	MaxIterations       int     `json:"max_iterations"        yaml:"max_iterations"`
	RatioNeuropil       float32 `json:"ratio_neuropil"        yaml:"ratio_neuropil"`
	ThresholdScaling    float32 `json:"threshold_scaling"     yaml:"threshold_scaling"`
	InnerNeuropilRadius float32 `json:"inner_neuropil_radius" yaml:"inner_neuropil_radius"`
	OuterNeuropilRadius float32 `json:"outer_neuropil_radius" yaml:"outer_neuropil_radius"`
	MinNeuropilPixels   int     `json:"min_neuropil_pixels"   yaml:"min_neuropil_pixels"`
	Neucoeff            float32 `json:"neucoeff"              yaml:"neucoeff"`
	AllowOverlap        bool    `json:"allow_overlap"         yaml:"allow_overlap"`
	NumWorkers          int     `json:"num_workers"           yaml:"num_workers"`
	NumWorkersROI       int     `json:"num_workers_roi"       yaml:"num_workers_roi"`
	BaselineMode        string  `json:"baseline"              yaml:"baseline"`
	WinBaseline         float32 `json:"win_baseline"          yaml:"win_baseline"`
	SigBaseline         float32 `json:"sig_baseline"          yaml:"sig_baseline"`
	PrctileBaseline     float32 `json:"prctile_baseline"      yaml:"prctile_baseline"`

	// Reserved fields carried for schema compatibility. Accepted and
	// round-tripped, but without effect on processing
	Neumax   float32 `json:"neumax"   yaml:"neumax"`
	NiterNeu int     `json:"niterneu" yaml:"niterneu"`
}

// Returns the default option set
func DefaultOptions() *Options {
	return &Options{
		NPlanes:             1,
		NChannels:           1,
		Diameter:            12,
		Tau:                 1.0,
		Fs:                  10.0,
		FunctionalChan:      0,
		AlignByChan:         0,
		BatchSize:           200,
		Subpixel:            10,
		MaxRegShift:         0.1,
		NImgInit:            200,
		NavgFramesSVD:       1000,
		NsvdForROI:          64,
		MaxIterations:       100,
		RatioNeuropil:       3,
		ThresholdScaling:    1.0,
		InnerNeuropilRadius: 2,
		OuterNeuropilRadius: 30,
		MinNeuropilPixels:   80,
		Neucoeff:            0.7,
		AllowOverlap:        false,
		NumWorkers:          0,
		NumWorkersROI:       0,
		BaselineMode:        "maximin",
		WinBaseline:         60,
		SigBaseline:         10,
		PrctileBaseline:     8,
	}
}

// Loads options from a YAML parameter file, on top of the defaults
func LoadOptions(fileName string) (*Options, error) {
	opts:=DefaultOptions()
	data, err:=os.ReadFile(fileName)
	if err!=nil { return nil, err }
	if err:=yaml.Unmarshal(data, opts); err!=nil {
		return nil, fmt.Errorf("parsing options from %s: %w", fileName, err)
	}
	return opts, nil
}

// Checks every option against its valid domain. Called once before any stage
// runs; a failure here terminates the run before anything is written
func (o *Options) Validate() error {
	if o.NPlanes<1   { return fmt.Errorf("nplanes=%d must be >=1", o.NPlanes) }
	if o.NChannels<1 { return fmt.Errorf("nchannels=%d must be >=1", o.NChannels) }
	if o.Diameter<=0 { return fmt.Errorf("diameter=%g must be positive", o.Diameter) }
	if o.Tau<=0      { return fmt.Errorf("tau=%g must be positive", o.Tau) }
	if o.Fs<=0       { return fmt.Errorf("fs=%g must be positive", o.Fs) }
	if o.FunctionalChan<0 || o.FunctionalChan>=o.NChannels {
		return fmt.Errorf("functional_chan=%d out of range [0,%d)", o.FunctionalChan, o.NChannels)
	}
	if o.AlignByChan<0 || o.AlignByChan>=o.NChannels {
		return fmt.Errorf("align_by_chan=%d out of range [0,%d)", o.AlignByChan, o.NChannels)
	}
	if o.BatchSize<0 { return fmt.Errorf("batch_size=%d must be >=0 (0=auto)", o.BatchSize) }
	if o.Subpixel<1  { return fmt.Errorf("subpixel=%d must be >=1", o.Subpixel) }
	if o.MaxRegShift<=0 || o.MaxRegShift>0.5 {
		return fmt.Errorf("maxregshift=%g must be in (0,0.5]", o.MaxRegShift)
	}
	if o.NImgInit<1      { return fmt.Errorf("nimg_init=%d must be >=1", o.NImgInit) }
	if o.NavgFramesSVD<1 { return fmt.Errorf("navg_frames_svd=%d must be >=1", o.NavgFramesSVD) }
	if o.NsvdForROI<1    { return fmt.Errorf("nsvd_for_roi=%d must be >=1", o.NsvdForROI) }
	if o.MaxIterations<1 { return fmt.Errorf("max_iterations=%d must be >=1", o.MaxIterations) }
	if o.RatioNeuropil<0 { return fmt.Errorf("ratio_neuropil=%g must be >=0", o.RatioNeuropil) }
	if o.ThresholdScaling<=0 { return fmt.Errorf("threshold_scaling=%g must be positive", o.ThresholdScaling) }
	if o.InnerNeuropilRadius<0 { return fmt.Errorf("inner_neuropil_radius=%g must be >=0", o.InnerNeuropilRadius) }
	if o.OuterNeuropilRadius<=o.InnerNeuropilRadius {
		return fmt.Errorf("outer_neuropil_radius=%g must exceed inner_neuropil_radius=%g",
			o.OuterNeuropilRadius, o.InnerNeuropilRadius)
	}
	if o.MinNeuropilPixels<1 { return fmt.Errorf("min_neuropil_pixels=%d must be >=1", o.MinNeuropilPixels) }
	if o.Neucoeff<0 || o.Neucoeff>1.5 {
		return fmt.Errorf("neucoeff=%g must be in [0,1.5]", o.Neucoeff)
	}
	if o.BaselineMode!="maximin" && o.BaselineMode!="prctile" {
		return fmt.Errorf("baseline=%q must be maximin or prctile", o.BaselineMode)
	}
	if o.WinBaseline<=0 { return fmt.Errorf("win_baseline=%g must be positive", o.WinBaseline) }
	if o.SigBaseline<0  { return fmt.Errorf("sig_baseline=%g must be >=0", o.SigBaseline) }
	if o.PrctileBaseline<0 || o.PrctileBaseline>100 {
		return fmt.Errorf("prctile_baseline=%g must be in [0,100]", o.PrctileBaseline)
	}
	return nil
}
