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
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlnoga/neurolight/internal/detect"
	"github.com/mlnoga/neurolight/internal/reg"
)

// Per-plane artifact file names
func (c *Context) regFile(plane int) string     { return filepath.Join(c.OutDir, fmt.Sprintf("reg_p%d.bin", plane)) }
func (c *Context) refFile(plane int) string     { return filepath.Join(c.OutDir, fmt.Sprintf("ref_p%d.tiff", plane)) }
func (c *Context) shiftsFile(plane int) string  { return filepath.Join(c.OutDir, fmt.Sprintf("shifts_p%d.json", plane)) }
func (c *Context) roisFile(plane int) string    { return filepath.Join(c.OutDir, fmt.Sprintf("rois_p%d.json", plane)) }
func (c *Context) tracesFile(plane int) string  { return filepath.Join(c.OutDir, fmt.Sprintf("traces_p%d.bin", plane)) }
func (c *Context) spikesFile(plane int) string  { return filepath.Join(c.OutDir, fmt.Sprintf("spikes_p%d.bin", plane)) }
func (c *Context) overlayFile(plane int) string { return filepath.Join(c.OutDir, fmt.Sprintf("overlay_p%d.png", plane)) }
func (c *Context) optionsFile() string          { return filepath.Join(c.OutDir, "options.json") }

// Writes v as indented JSON to fileName via a temporary file and rename, so a
// failing stage never leaves a partially overwritten artifact
func writeJSON(fileName string, v interface{}) error {
	data, err:=json.MarshalIndent(v, "", "  ")
	if err!=nil { return err }
	if err:=os.WriteFile(fileName+".tmp", data, 0644); err!=nil { return err }
	return os.Rename(fileName+".tmp", fileName)
}

func readJSON(fileName string, v interface{}) error {
	data, err:=os.ReadFile(fileName)
	if err!=nil { return err }
	return json.Unmarshal(data, v)
}

// Persisted shift artifact for one plane
type ShiftArtifact struct {
	Plane  int              `json:"plane"`
	Shifts []reg.FrameShift `json:"shifts"`
}

// Persisted ROI artifact for one plane
type ROIArtifact struct {
	Plane    int                   `json:"plane"`
	ROIs     []detect.ROI          `json:"rois"`
	Neuropil []detect.NeuropilMask `json:"neuropil"`
}

// Shape sidecar for a trace matrix artifact
type TraceHeader struct {
	Plane  int       `json:"plane"`
	ROIs   int       `json:"rois"`
	Frames int       `json:"frames"`
	Blocks []string  `json:"blocks"`          // Named ROIs x Frames blocks stored back to back
	Coef   []float32 `json:"coef,omitempty"`  // Per-ROI neuropil coefficient, trace artifact only
}

// Writes named ROIs x Frames float32 blocks back to back as a raw little-endian
// file with a JSON shape sidecar, via temporary files and rename
func writeTraceMatrix(fileName string, header TraceHeader, blocks ...[]float32) error {
	file, err:=os.Create(fileName+".tmp")
	if err!=nil { return err }
	writer:=bufio.NewWriterSize(file, 1<<20)
	for _,block:=range blocks {
		if len(block)!=header.ROIs*header.Frames {
			file.Close()
			os.Remove(fileName+".tmp")
			return fmt.Errorf("block size %d does not match %d ROIs x %d frames", len(block), header.ROIs, header.Frames)
		}
		if err:=binary.Write(writer, binary.LittleEndian, block); err!=nil {
			file.Close()
			os.Remove(fileName+".tmp")
			return err
		}
	}
	if err:=writer.Flush(); err!=nil { file.Close(); return err }
	if err:=file.Close();   err!=nil { return err }

	sidecar, err:=json.MarshalIndent(&header, "", "  ")
	if err!=nil { return err }
	if err:=os.WriteFile(fileName+".json.tmp", sidecar, 0644); err!=nil { return err }
	if err:=os.Rename(fileName+".tmp", fileName); err!=nil { return err }
	return os.Rename(fileName+".json.tmp", fileName+".json")
}

// Reads a trace matrix artifact back, returning the header and one matrix per block
func readTraceMatrix(fileName string) (TraceHeader, [][]float32, error) {
	var header TraceHeader
	if err:=readJSON(fileName+".json", &header); err!=nil { return header, nil, err }

	file, err:=os.Open(fileName)
	if err!=nil { return header, nil, err }
	defer file.Close()
	reader:=bufio.NewReaderSize(file, 1<<20)

	blocks:=make([][]float32, len(header.Blocks))
	for i,_:=range blocks {
		blocks[i]=make([]float32, header.ROIs*header.Frames)
		if err:=binary.Read(reader, binary.LittleEndian, blocks[i]); err!=nil {
			return header, nil, fmt.Errorf("reading block %s of %s: %w", header.Blocks[i], fileName, err)
		}
	}
	return header, blocks, nil
}
