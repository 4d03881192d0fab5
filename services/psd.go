package services

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
)

// PSDHeaderSize is the length of the fixed file header section.
const PSDHeaderSize = 26

const (
	psdVersion = 1
	psbVersion = 2

	maxPSDDimension = 30000
	maxPSBDimension = 300000
	maxChannels     = 56
)

var psdSignature = []byte("8BPS")

// PSDHeader is the decoded fixed header of a Photoshop document.
type PSDHeader struct {
	Version   uint16
	Channels  uint16
	Height    uint32
	Width     uint32
	Depth     uint16
	ColorMode uint16
}

// HasPSDExtension reports whether the client-supplied name ends in .psd. The
// name is only inspected, never used to build a path.
func HasPSDExtension(name string) bool {
	return strings.EqualFold(filepath.Ext(strings.TrimSpace(name)), inputExtension)
}

// ParsePSDHeader decodes and sanity-checks the first PSDHeaderSize bytes.
func ParsePSDHeader(b []byte) (PSDHeader, error) {
	if len(b) < PSDHeaderSize {
		return PSDHeader{}, Wrap(ErrValidation, "psd header", "file too short", nil)
	}
	if !bytes.Equal(b[:4], psdSignature) {
		return PSDHeader{}, Wrap(ErrValidation, "psd header", "missing 8BPS signature", nil)
	}

	h := PSDHeader{
		Version:   binary.BigEndian.Uint16(b[4:6]),
		Channels:  binary.BigEndian.Uint16(b[12:14]),
		Height:    binary.BigEndian.Uint32(b[14:18]),
		Width:     binary.BigEndian.Uint32(b[18:22]),
		Depth:     binary.BigEndian.Uint16(b[22:24]),
		ColorMode: binary.BigEndian.Uint16(b[24:26]),
	}

	if h.Version != psdVersion && h.Version != psbVersion {
		return PSDHeader{}, Wrap(ErrValidation, "psd header", fmt.Sprintf("unsupported version %d", h.Version), nil)
	}
	if !bytes.Equal(b[6:12], make([]byte, 6)) {
		return PSDHeader{}, Wrap(ErrValidation, "psd header", "reserved bytes must be zero", nil)
	}
	if h.Channels < 1 || h.Channels > maxChannels {
		return PSDHeader{}, Wrap(ErrValidation, "psd header", fmt.Sprintf("invalid channel count %d", h.Channels), nil)
	}
	switch h.Depth {
	case 1, 8, 16, 32:
	default:
		return PSDHeader{}, Wrap(ErrValidation, "psd header", fmt.Sprintf("invalid bit depth %d", h.Depth), nil)
	}
	switch h.ColorMode {
	case 0, 1, 2, 3, 4, 7, 8, 9:
	default:
		return PSDHeader{}, Wrap(ErrValidation, "psd header", fmt.Sprintf("invalid color mode %d", h.ColorMode), nil)
	}
	return h, nil
}

// CheckLimits bounds the image dimensions so a corrupted or hostile header
// cannot make the converter allocate without limit.
func (h PSDHeader) CheckLimits(maxPixels int64) error {
	maxDim := uint32(maxPSDDimension)
	if h.Version == psbVersion {
		maxDim = maxPSBDimension
	}
	if h.Width == 0 || h.Height == 0 {
		return Wrap(ErrValidation, "psd header", fmt.Sprintf("image bounds invalid (%d x %d)", h.Width, h.Height), nil)
	}
	if h.Width > maxDim || h.Height > maxDim {
		return Wrap(ErrValidation, "psd header", fmt.Sprintf("image dimension exceeds limit (%d x %d)", h.Width, h.Height), nil)
	}
	if pixels := int64(h.Width) * int64(h.Height); pixels > maxPixels {
		return Wrap(ErrValidation, "psd header", fmt.Sprintf("image pixel count %d exceeds limit %d", pixels, maxPixels), nil)
	}
	return nil
}
