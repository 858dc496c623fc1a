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

package fits

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"

	"github.com/mlnoga/skymesh/internal/data"
)

// Write a 2D buffer to a 16-bit grayscale TIFF, using the given min, max and gamma.
func WriteTIFF16ToFile(b *data.Buffer, fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return WriteTIFF16(b, writer, min, max, gamma)
}

// Write a 2D buffer to a 16-bit grayscale TIFF, using the given min, max and gamma.
// Blank pixels are written as black
func WriteTIFF16(b *data.Buffer, writer io.Writer, min, max, gamma float32) error {
	if b.Ndim() != 2 {
		return errors.New(fmt.Sprintf("cannot write %d-dimensional %v as TIFF", b.Ndim(), b))
	}
	if !(max > min) {
		return errors.New(fmt.Sprintf("invalid range [%g,%g]", min, max))
	}
	if b.IsView() {
		c, err := data.Copy(b, nil)
		if err != nil {
			return err
		}
		defer c.Free()
		b = c
	}
	height, width := b.Dsize[0], b.Dsize[1]
	img := image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / float64(max-min)
	gammaInv := 1.0 / float64(gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := (data.ValueAt(b, yoffset+x) - float64(min)) * scale
			// replace NaNs with zeros for export
			if math.IsNaN(v) || v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			if gammaInv != 1.0 {
				v = math.Pow(v, gammaInv)
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v * 65535)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Write a 2D label map to a JPG, giving every positive label its own hue.
// Background is black, negative labels are white
func WriteLabelsJPGToFile(b *data.Buffer, fileName string, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return WriteLabelsJPG(b, writer, quality)
}

// Write a 2D label map to a JPG, giving every positive label its own hue
func WriteLabelsJPG(b *data.Buffer, writer io.Writer, quality int) error {
	if b.Ndim() != 2 || b.Type != data.TypeInt32 {
		return errors.New(fmt.Sprintf("label map must be a 2-dimensional int32 buffer, have %v", b))
	}
	labels := data.Slice[int32](b)
	if b.IsView() {
		c, err := data.Copy(b, nil)
		if err != nil {
			return err
		}
		defer c.Free()
		labels = data.Slice[int32](c)
	}
	height, width := b.Dsize[0], b.Dsize[1]
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			img.Set(x, y, LabelColor(labels[yoffset+x]))
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Colour of a label. Hues follow the golden angle, so neighbouring labels differ clearly
func LabelColor(l int32) color.RGBA {
	switch {
	case l == 0:
		return color.RGBA{0, 0, 0, 255}
	case l < 0:
		return color.RGBA{255, 255, 255, 255}
	}
	hue := math.Mod(float64(l)*137.50776, 360)
	r, g, bl := colorful.Hsv(hue, 0.75, 0.95).RGB255()
	return color.RGBA{r, g, bl, 255}
}
