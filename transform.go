package main

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

const (
	defaultThumbWidth  = 128
	defaultThumbHeight = 128
	defaultJPEGQuality = 85

	thumbnailContentType = "image/jpeg"
)

// turns source object bytes into the derived artifact
type Transformer interface {
	Transform(src []byte) ([]byte, error)

	// media type of the bytes Transform returns
	ContentType() string
}

type ThumbnailTransformer struct {
	width   int
	height  int
	quality int
}

func NewThumbnailTransformer(width, height, quality int) *ThumbnailTransformer {
	if width <= 0 {
		width = defaultThumbWidth
	}
	if height <= 0 {
		height = defaultThumbHeight
	}
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	return &ThumbnailTransformer{width: width, height: height, quality: quality}
}

// Transform center-crops and scales the image to exactly width x height and
// encodes it as JPEG. Output depends only on src.
func (t *ThumbnailTransformer) Transform(src []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	thumb := imaging.Thumbnail(img, t.width, t.height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(t.quality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *ThumbnailTransformer) ContentType() string {
	return thumbnailContentType
}
