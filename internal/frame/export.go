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
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"
)

// Write a frame to 16-bit grayscale TIFF, scaling [min,max] to the full range.
// Writes via a temporary file and rename, like all other artifact writers
func (f *Frame) WriteTIFF16ToFile(fileName string, min, max float32) error {
	width, height:=int(f.Width), int(f.Height)
	img:=image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale:=float32(0)
	if max>min { scale=1.0/(max-min) }
	for y:=0; y<height; y++ {
		yoffset:=y*width
		for x:=0; x<width; x++ {
			v:=(f.Data[yoffset+x]-min)*scale
			// replace NaNs with zeros for export
			if math.IsNaN(float64(v)) || v<0 { v=0 }
			if v>1 { v=1 }
			img.SetGray16(x, y, color.Gray16{uint16(v*65535)})
		}
	}
	return writeImageFile(fileName, func(writer *bufio.Writer) error {
		return tiff.Encode(writer, img, &tiff.Options{Compression:tiff.Deflate, Predictor:true})
	})
}

// Encodes an image into fileName+".tmp" and renames on success, so a failing
// export never leaves a partially overwritten artifact
func writeImageFile(fileName string, encode func(writer *bufio.Writer) error) error {
	file, err:=os.Create(fileName+".tmp")
	if err!=nil { return err }
	writer:=bufio.NewWriter(file)
	if err:=encode(writer); err!=nil {
		file.Close()
		os.Remove(fileName+".tmp")
		return err
	}
	if err:=writer.Flush(); err!=nil {
		file.Close()
		os.Remove(fileName+".tmp")
		return err
	}
	if err:=file.Close(); err!=nil {
		os.Remove(fileName+".tmp")
		return err
	}
	return os.Rename(fileName+".tmp", fileName)
}

// A pixel mask to overlay on a background image, identified by sequential index
type OverlayMask struct {
	Pixels  []int32
	Weights []float32   // optional, scales alpha per pixel; nil for uniform
}

// Renders the background frame in grayscale with each mask blended in a distinct
// hue, and writes the result as PNG. Masks are colored by index around the hue
// circle so adjacent detections remain distinguishable
func WriteOverlayPNG(fileName string, background *Frame, masks []OverlayMask) error {
	width, height:=int(background.Width), int(background.Height)
	st:=background.Stats()
	scale:=float32(0)
	if st.Max>st.Min { scale=1.0/(st.Max-st.Min) }

	img:=image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			v:=(background.Data[y*width+x]-st.Min)*scale
			if math.IsNaN(float64(v)) || v<0 { v=0 }
			if v>1 { v=1 }
			g:=uint8(v*255)
			img.Set(x, y, color.RGBA{g, g, g, 255})
		}
	}

	for i, mask:=range masks {
		hue:=float64((i*137)%360)  // golden-angle steps around the hue circle
		c:=colorful.Hsv(hue, 0.9, 1.0)
		r, g, b:=c.RGB255()
		for j, p:=range mask.Pixels {
			alpha:=float32(0.6)
			if mask.Weights!=nil {
				w:=mask.Weights[j]
				if w<0 { w=0 }
				if w>1 { w=1 }
				alpha*=w
			}
			x, y:=int(p)%width, int(p)/width
			bg:=img.RGBAAt(x, y)
			blend:=func(bgc, fgc uint8) uint8 {
				return uint8(float32(bgc)*(1-alpha) + float32(fgc)*alpha)
			}
			img.Set(x, y, color.RGBA{blend(bg.R, r), blend(bg.G, g), blend(bg.B, b), 255})
		}
	}

	return writeImageFile(fileName, func(writer *bufio.Writer) error {
		return png.Encode(writer, img)
	})
}
