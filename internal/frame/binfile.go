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
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
)

// Shape sidecar for a raw binary frame stack, stored as JSON next to the .bin file
type BinHeader struct {
	Width    int32 `json:"width"`
	Height   int32 `json:"height"`
	Frames   int   `json:"frames"`
	Channels int   `json:"channels"`
}

// Streams frames to a raw little-endian float32 stack file. Layout is frame-major:
// all channels of frame 0, then all channels of frame 1, and so on.
// Data is written to a temporary file and renamed into place on Commit,
// so a failed run never leaves a partially overwritten artifact
type BinWriter struct {
	fileName string
	header   BinHeader
	file     *os.File
	writer   *bufio.Writer
	written  int
}

// Creates a writer for the given target file name and stack shape
func NewBinWriter(fileName string, width, height int32, channels int) (*BinWriter, error) {
	file, err:=os.Create(fileName+".tmp")
	if err!=nil { return nil, err }
	return &BinWriter{
		fileName: fileName,
		header:   BinHeader{Width:width, Height:height, Channels:channels},
		file:     file,
		writer:   bufio.NewWriterSize(file, 1<<20),
	}, nil
}

// Appends the pixel data of one channel of the current frame
func (w *BinWriter) WriteFrame(data []float32) error {
	expected:=int(w.header.Width)*int(w.header.Height)
	if len(data)!=expected {
		return fmt.Errorf("frame size %d does not match %dx%d", len(data), w.header.Width, w.header.Height)
	}
	if err:=binary.Write(w.writer, binary.LittleEndian, data); err!=nil { return err }
	w.written++
	return nil
}

// Flushes, closes and atomically renames the stack and its sidecar into place
func (w *BinWriter) Commit() error {
	if w.written%w.header.Channels!=0 {
		return fmt.Errorf("wrote %d channel frames, not a multiple of %d channels", w.written, w.header.Channels)
	}
	w.header.Frames=w.written/w.header.Channels
	if err:=w.writer.Flush(); err!=nil { w.file.Close(); return err }
	if err:=w.file.Close();   err!=nil { return err }

	sidecar, err:=json.MarshalIndent(&w.header, "", "  ")
	if err!=nil { return err }
	if err:=os.WriteFile(w.fileName+".json.tmp", sidecar, 0644); err!=nil { return err }

	if err:=os.Rename(w.fileName+".tmp", w.fileName); err!=nil { return err }
	return os.Rename(w.fileName+".json.tmp", w.fileName+".json")
}

// Abandons the write, removing the temporary file
func (w *BinWriter) Abort() {
	w.file.Close()
	os.Remove(w.fileName+".tmp")
}

// Random-access read path into a persisted raw frame stack
type BinSource struct {
	fileName string
	header   BinHeader
}

// Opens a persisted frame stack via its sidecar header
func OpenBinSource(fileName string) (*BinSource, error) {
	sidecar, err:=os.ReadFile(fileName+".json")
	if err!=nil { return nil, err }
	var header BinHeader
	if err:=json.Unmarshal(sidecar, &header); err!=nil { return nil, err }
	if header.Width<=0 || header.Height<=0 || header.Channels<=0 {
		return nil, fmt.Errorf("invalid stack header %+v in %s.json", header, fileName)
	}
	return &BinSource{fileName:fileName, header:header}, nil
}

func (b *BinSource) Dims() (int32, int32) { return b.header.Width, b.header.Height }
func (b *BinSource) Frames() int          { return b.header.Frames }
func (b *BinSource) Channels() int        { return b.header.Channels }

func (b *BinSource) Frame(t, ch int) (*Frame, error) {
	fs, err:=b.ReadChunk(t, t+1, ch)
	if err!=nil { return nil, err }
	return fs[0], nil
}

// Reads frames [t0,t1) of the given channel. Each call opens the file independently,
// so concurrent readers do not share state
func (b *BinSource) ReadChunk(t0, t1, ch int) ([]*Frame, error) {
	if t0<0 || t1>b.header.Frames || t0>t1 {
		return nil, fmt.Errorf("chunk [%d,%d) out of range [0,%d)", t0, t1, b.header.Frames)
	}
	if ch<0 || ch>=b.header.Channels {
		return nil, fmt.Errorf("channel %d out of range [0,%d)", ch, b.header.Channels)
	}
	file, err:=os.Open(b.fileName)
	if err!=nil { return nil, err }
	defer file.Close()

	pixels   :=int(b.header.Width)*int(b.header.Height)
	frameBytes:=int64(pixels)*4
	fs:=make([]*Frame, t1-t0)
	for t:=t0; t<t1; t++ {
		offset:=(int64(t)*int64(b.header.Channels)+int64(ch))*frameBytes
		if _, err:=file.Seek(offset, 0); err!=nil { return nil, err }
		data:=make([]float32, pixels)
		if err:=binary.Read(bufio.NewReaderSize(file, 1<<16), binary.LittleEndian, data); err!=nil {
			return nil, fmt.Errorf("reading frame %d channel %d: %w", t, ch, err)
		}
		fs[t-t0]=NewFrame(t, b.header.Width, b.header.Height, data)
	}
	return fs, nil
}
