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

	"github.com/mlnoga/neurolight/internal/frame"
)

// Correlation peaks below this are flagged low-confidence
const lowCorrThreshold = 0.05

// Registration stage parameters, resolved from the options record by the caller
type Params struct {
	AlignByChan int      // Channel driving shift estimation; shifts apply to all channels
	BatchSize   int      // Frames per batch, 0 = auto-size from memory
	Subpixel    int      // Sub-pixel steps per integer pixel
	MaxRegShift float32  // Maximum per-axis shift as a fraction of the frame dimension
	MaxThreads  int      // Concrete worker count, >=1
	MemoryMB    int      // Physical memory budget for auto batch sizing, 0 = default batch
}

// Receives registered frames in (frame, channel) order
type Sink interface {
	WriteFrame(data []float32) error
}

// Registered output of one frame: the shift record plus the shifted pixel
// data of every channel
type registeredFrame struct {
	shift FrameShift
	chans [][]float32
}

// Registers every frame of the source against the reference, in frame order.
// Shift estimation runs on the alignment channel and is applied identically to
// all channels. Batches are processed by a bounded worker pool; estimation is a
// pure function of frame and reference, so the output is independent of batch
// boundaries and worker count. Returns the per-frame shifts in frame order
func Register(src frame.Source, ref *frame.Frame, par Params, out Sink, logWriter io.Writer) ([]FrameShift, error) {
	numFrames:=src.Frames()
	if numFrames==0 { return []FrameShift{}, nil }
	if ref==nil { return nil, fmt.Errorf("registration requires a reference image") }
	if par.AlignByChan<0 || par.AlignByChan>=src.Channels() {
		return nil, fmt.Errorf("alignment channel %d out of range [0,%d)", par.AlignByChan, src.Channels())
	}

	width, height:=src.Dims()
	limitY:=par.MaxRegShift*float32(height)
	limitX:=par.MaxRegShift*float32(width)
	batchSize:=par.BatchSize
	if batchSize<=0 {
		batchSize=autoBatchSize(width, height, src.Channels(), par.MaxThreads, par.MemoryMB)
	}
	numBatches:=(numFrames+batchSize-1)/batchSize
	fmt.Fprintf(logWriter, "Registering %d frames in %d batches of %d with %d workers...\n",
		numFrames, numBatches, batchSize, par.MaxThreads)

	shifts:=make([]FrameShift, 0, numFrames)

	// process batches in waves of maxThreads, then drain each wave in frame order
	// so peak memory stays bounded by maxThreads*batchSize frames
	for wave:=0; wave<numBatches; wave+=par.MaxThreads {
		waveEnd:=wave+par.MaxThreads
		if waveEnd>numBatches { waveEnd=numBatches }

		results:=make([][]registeredFrame, waveEnd-wave)
		errs   :=make([]error, waveEnd-wave)
		limiter:=make(chan bool, par.MaxThreads)
		for b:=wave; b<waveEnd; b++ {
			limiter <- true
			go func(b int) {
				defer func() { <-limiter }()
				t0:=b*batchSize
				t1:=t0+batchSize
				if t1>numFrames { t1=numFrames }
				res, err:=registerBatch(src, ref, par, limitY, limitX, t0, t1)
				if err!=nil {
					errs[b-wave]=fmt.Errorf("batch %d: %w", b, err)
					return
				}
				results[b-wave]=res
			}(b)
		}
		for i:=0; i<cap(limiter); i++ {  // wait for goroutines to finish
			limiter <- true
		}
		for _,err:=range errs {
			if err!=nil { return nil, err }
		}

		// drain in order
		for _,batch:=range results {
			for _,rf:=range batch {
				shifts=append(shifts, rf.shift)
				for _,chData:=range rf.chans {
					if err:=out.WriteFrame(chData); err!=nil {
						return nil, fmt.Errorf("writing frame %d: %w", rf.shift.Frame, err)
					}
				}
			}
		}
	}
	return shifts, nil
}

// Registers frames [t0,t1). Owns its correlator, as FFT plans hold scratch
// buffers and must not be shared across workers
func registerBatch(src frame.Source, ref *frame.Frame, par Params, limitY, limitX float32, t0, t1 int) ([]registeredFrame, error) {
	corr, err:=NewPhaseCorrelator(ref, par.Subpixel)
	if err!=nil { return nil, err }

	res:=make([]registeredFrame, 0, t1-t0)
	for t:=t0; t<t1; t++ {
		alignFrame, err:=src.Frame(t, par.AlignByChan)
		if err!=nil { return nil, err }

		dy, dx, subDy, subDx, quality, err:=corr.Estimate(alignFrame)
		if err!=nil { return nil, err }
		shift:=FrameShift{Frame:t, Dy:dy, Dx:dx, SubDy:subDy, SubDx:subDx, Corr:quality}
		shift.Clip(limitY, limitX)
		if quality<lowCorrThreshold { shift.LowConfidence=true }

		chans:=make([][]float32, src.Channels())
		for ch:=0; ch<src.Channels(); ch++ {
			f:=alignFrame
			if ch!=par.AlignByChan {
				if f, err=src.Frame(t, ch); err!=nil { return nil, err }
			}
			if shift.SubDy==0 && shift.SubDx==0 {
				chans[ch]=ApplyShiftInt(f, shift.Dy, shift.Dx)
			} else {
				chans[ch]=ApplyShift(f, shift.TotalDy(), shift.TotalDx())
			}
		}
		res=append(res, registeredFrame{shift, chans})
	}
	return res, nil
}

// Sizes batches so a full wave of per-worker batches fits the memory budget,
// counting input and output copies of every channel
func autoBatchSize(width, height int32, channels, maxThreads, memoryMB int) int {
	const defaultBatch = 200
	if memoryMB<=0 { return defaultBatch }
	bytesPerFrame:=int64(width)*int64(height)*4*int64(channels)*2
	usable:=int64(memoryMB)*1024*1024*7/10
	fit:=usable/(bytesPerFrame*int64(maxThreads))
	if fit<16   { return 16 }
	if fit>1024 { return 1024 }
	return int(fit)
}

// A sink collecting registered frames into an in-memory source, for callers
// that keep the registered movie resident
type MemSink struct {
	Mem  *frame.MemSource
	next int
}

func NewMemSink(width, height int32, numFrames, numChannels int) *MemSink {
	return &MemSink{Mem:frame.NewMemSource(width, height, numFrames, numChannels)}
}

func (s *MemSink) WriteFrame(data []float32) error {
	ch:=s.next%s.Mem.Channels()
	t :=s.next/s.Mem.Channels()
	if t>=s.Mem.Frames() { return fmt.Errorf("sink overflow at frame %d", t) }
	s.Mem.SetFrame(t, ch, data)
	s.next++
	return nil
}
