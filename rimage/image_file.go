package rimage

import (
	"image"

	"github.com/disintegration/imaging"
	_ "github.com/lmittmann/ppm" // register ppm
	"github.com/pkg/errors"
	_ "github.com/xfmoulet/qoi" // register qoi
)

// ReadImageFromFile decodes a color image. Besides the formats imaging reads, ppm and qoi files
// are accepted.
func ReadImageFromFile(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read image %q", path)
	}
	return img, nil
}

// ReadFrame loads a color image and its 16 bit depth png. An empty colorPath yields a frame
// without color.
func ReadFrame(colorPath, depthPath string) (Frame, error) {
	dm, err := ReadDepthMap(depthPath)
	if err != nil {
		return Frame{}, err
	}
	frame := Frame{Depth: dm}
	if colorPath == "" {
		return frame, nil
	}
	frame.Color, err = ReadImageFromFile(colorPath)
	if err != nil {
		return Frame{}, err
	}
	return frame, nil
}
