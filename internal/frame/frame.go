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


package frame

import (
	"fmt"
	"github.com/mlnoga/neurolight/internal/stats"
)

// A single 2D imaging frame of one plane and channel
type Frame struct {
	ID     int          // Sequential frame index within the movie, for log output and ordering
	Width  int32        // Frame width in pixels
	Height int32        // Frame height in pixels
	Data   []float32    // Row-major pixel intensities, len=Width*Height

	stats *stats.Basic  // Lazily computed basic statistics
}

// Creates a frame of given dimensions. Data is not copied, allocated if nil
func NewFrame(id int, width, height int32, data []float32) *Frame {
	if data==nil {
		data=make([]float32, int(width)*int(height))
	}
	return &Frame{ID:id, Width:width, Height:height, Data:data}
}

// Returns basic statistics for the frame, computing them on first use
func (f *Frame) Stats() *stats.Basic {
	if f.stats==nil {
		f.stats=stats.CalcBasic(f.Data)
	}
	return f.stats
}

// Invalidates cached statistics after the pixel data was modified
func (f *Frame) ClearStats() { f.stats=nil }

// Returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	data:=append([]float32(nil), f.Data...)
	return &Frame{ID:f.ID, Width:f.Width, Height:f.Height, Data:data}
}

func (f *Frame) DimensionsToString() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// A random-access, chunkable provider of the frames of one imaging plane.
// Implementations must be safe for concurrent reads
type Source interface {
	Dims() (width, height int32)                       // Frame dimensions
	Frames() int                                       // Number of frames per channel
	Channels() int                                     // Number of acquisition channels
	Frame(t, ch int) (*Frame, error)                   // Single frame at time t for channel ch
	ReadChunk(t0, t1, ch int) ([]*Frame, error)        // Frames [t0,t1) of channel ch, in order
}

// An in-memory frame source. Data is stored per channel as a contiguous stack
type MemSource struct {
	Width    int32
	Height   int32
	NumFrames int
	Chans    [][]float32   // One stack per channel, len=NumFrames*Width*Height
}

// Creates an in-memory source of given shape with zeroed pixel data
func NewMemSource(width, height int32, numFrames, numChannels int) *MemSource {
	chans:=make([][]float32, numChannels)
	for i,_:=range chans {
		chans[i]=make([]float32, numFrames*int(width)*int(height))
	}
	return &MemSource{Width:width, Height:height, NumFrames:numFrames, Chans:chans}
}

func (m *MemSource) Dims() (int32, int32) { return m.Width, m.Height }
func (m *MemSource) Frames() int          { return m.NumFrames }
func (m *MemSource) Channels() int        { return len(m.Chans) }

func (m *MemSource) Frame(t, ch int) (*Frame, error) {
	if ch<0 || ch>=len(m.Chans) {
		return nil, fmt.Errorf("channel %d out of range [0,%d)", ch, len(m.Chans))
	}
	if t<0 || t>=m.NumFrames {
		return nil, fmt.Errorf("frame %d out of range [0,%d)", t, m.NumFrames)
	}
	pixels:=int(m.Width)*int(m.Height)
	return NewFrame(t, m.Width, m.Height, m.Chans[ch][t*pixels:(t+1)*pixels]), nil
}

func (m *MemSource) ReadChunk(t0, t1, ch int) ([]*Frame, error) {
	if t0<0 || t1>m.NumFrames || t0>t1 {
		return nil, fmt.Errorf("chunk [%d,%d) out of range [0,%d)", t0, t1, m.NumFrames)
	}
	fs:=make([]*Frame, t1-t0)
	for t:=t0; t<t1; t++ {
		f, err:=m.Frame(t, ch)
		if err!=nil { return nil, err }
		fs[t-t0]=f
	}
	return fs, nil
}

// Writes the given pixel data into frame t of channel ch
func (m *MemSource) SetFrame(t, ch int, data []float32) {
	pixels:=int(m.Width)*int(m.Height)
	copy(m.Chans[ch][t*pixels:(t+1)*pixels], data)
}
