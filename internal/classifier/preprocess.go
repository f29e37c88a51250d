package classifier

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// ToTensor декодирует изображение, масштабирует его до size x size
// и возвращает float32 в раскладке NHWC (batch=1, RGB) со значениями в диапазоне [0, 1].
func ToTensor(data []byte, size int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid tensor size %d", size)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrUnreadableImage)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			base := (y*size + x) * 3
			out[base+0] = float32(dst.Pix[off+0]) / 255.0
			out[base+1] = float32(dst.Pix[off+1]) / 255.0
			out[base+2] = float32(dst.Pix[off+2]) / 255.0
		}
	}
	return out, nil
}
