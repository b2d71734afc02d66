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
	"os"
	"path/filepath"
	"testing"
)

func TestBinRoundTrip(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "stack.bin")
	w, err:=NewBinWriter(fileName, 4, 3, 2)
	if err!=nil { t.Fatalf("creating writer: %s", err.Error()) }

	numFrames:=5
	for tf:=0; tf<numFrames; tf++ {
		for ch:=0; ch<2; ch++ {
			data:=make([]float32, 12)
			for i:=range data {
				data[i]=float32(tf*100+ch*50+i)
			}
			if err:=w.WriteFrame(data); err!=nil { t.Fatalf("writing frame %d chan %d: %s", tf, ch, err.Error()) }
		}
	}
	if err:=w.Commit(); err!=nil { t.Fatalf("committing: %s", err.Error()) }

	src, err:=OpenBinSource(fileName)
	if err!=nil { t.Fatalf("opening: %s", err.Error()) }
	if width, height:=src.Dims(); width!=4 || height!=3 {
		t.Fatalf("dims got %dx%d; want 4x3", width, height)
	}
	if src.Frames()!=numFrames || src.Channels()!=2 {
		t.Fatalf("shape got %d frames %d channels; want %d and 2", src.Frames(), src.Channels(), numFrames)
	}

	// single-frame and chunked reads must agree with the written data
	for ch:=0; ch<2; ch++ {
		fs, err:=src.ReadChunk(1, 4, ch)
		if err!=nil { t.Fatalf("reading chunk: %s", err.Error()) }
		for dt,f:=range fs {
			tf:=1+dt
			if f.ID!=tf { t.Errorf("chunk frame %d has ID %d", tf, f.ID) }
			for i,v:=range f.Data {
				want:=float32(tf*100+ch*50+i)
				if v!=want { t.Fatalf("frame %d chan %d pixel %d got %f; want %f", tf, ch, i, v, want) }
			}
		}
	}
	f, err:=src.Frame(4, 1)
	if err!=nil { t.Fatalf("reading frame: %s", err.Error()) }
	if f.Data[11]!=float32(4*100+50+11) {
		t.Errorf("frame 4 chan 1 pixel 11 got %f", f.Data[11])
	}
}

func TestBinWriterReplacesOnCommitOnly(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "stack.bin")
	w, err:=NewBinWriter(fileName, 2, 2, 1)
	if err!=nil { t.Fatalf("creating writer: %s", err.Error()) }
	if err:=w.WriteFrame(make([]float32, 4)); err!=nil { t.Fatalf("writing: %s", err.Error()) }

	// before commit only the temporary exists
	if _, err:=os.Stat(fileName); !os.IsNotExist(err) {
		t.Errorf("target file exists before commit")
	}
	if err:=w.Commit(); err!=nil { t.Fatalf("committing: %s", err.Error()) }
	if _, err:=os.Stat(fileName); err!=nil {
		t.Errorf("target file missing after commit: %s", err.Error())
	}
	if _, err:=os.Stat(fileName+".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left after commit")
	}
}

func TestBinWriterAbort(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "stack.bin")
	w, err:=NewBinWriter(fileName, 2, 2, 1)
	if err!=nil { t.Fatalf("creating writer: %s", err.Error()) }
	if err:=w.WriteFrame(make([]float32, 4)); err!=nil { t.Fatalf("writing: %s", err.Error()) }
	w.Abort()
	if _, err:=os.Stat(fileName); !os.IsNotExist(err) {
		t.Errorf("target file exists after abort")
	}
	if _, err:=os.Stat(fileName+".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left after abort")
	}
}

func TestBinWriterRejectsWrongSize(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "stack.bin")
	w, err:=NewBinWriter(fileName, 4, 4, 1)
	if err!=nil { t.Fatalf("creating writer: %s", err.Error()) }
	defer w.Abort()
	if err:=w.WriteFrame(make([]float32, 7)); err==nil {
		t.Errorf("wrong frame size accepted; want error")
	}
}

func TestBinWriterRejectsPartialChannels(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "stack.bin")
	w, err:=NewBinWriter(fileName, 2, 2, 2)
	if err!=nil { t.Fatalf("creating writer: %s", err.Error()) }
	if err:=w.WriteFrame(make([]float32, 4)); err!=nil { t.Fatalf("writing: %s", err.Error()) }
	if err:=w.Commit(); err==nil {
		t.Errorf("odd channel count committed; want error")
	}
}

func TestExportSmoke(t *testing.T) {
	dir:=t.TempDir()
	data:=make([]float32, 64)
	for i:=range data { data[i]=float32(i) }
	f:=NewFrame(0, 8, 8, data)

	st:=f.Stats()
	if err:=f.WriteTIFF16ToFile(filepath.Join(dir, "ref.tiff"), st.Min, st.Max); err!=nil {
		t.Fatalf("writing TIFF: %s", err.Error())
	}
	masks:=[]OverlayMask{
		OverlayMask{Pixels:[]int32{0,1,8,9}},
		OverlayMask{Pixels:[]int32{54,55}, Weights:[]float32{1, 0.5}},
	}
	if err:=WriteOverlayPNG(filepath.Join(dir, "overlay.png"), f, masks); err!=nil {
		t.Fatalf("writing overlay: %s", err.Error())
	}
	for _,name:=range []string{"ref.tiff", "overlay.png"} {
		info, err:=os.Stat(filepath.Join(dir, name))
		if err!=nil { t.Fatalf("missing export %s: %s", name, err.Error()) }
		if info.Size()==0 { t.Errorf("export %s is empty", name) }
		// exports write via a temporary file and rename
		if _,err:=os.Stat(filepath.Join(dir, name+".tmp")); !os.IsNotExist(err) {
			t.Errorf("temporary file %s.tmp left behind", name)
		}
	}
}
