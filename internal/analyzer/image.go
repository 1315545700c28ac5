package analyzer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidImage is returned when the header fields cannot be read.
var ErrInvalidImage = errors.New("invalid executable image")

const (
	headerPointerOffset = 0x3C
	timeDateStampOffset = 8
	imageBaseOffset     = 52
)

// Image is a client executable loaded for analysis.
type Image struct {
	Data          []byte
	ImageBase     uint32
	TimeDateStamp uint32
}

// ParseImage reads ImageBase and TimeDateStamp from the PE headers of data.
func ParseImage(data []byte) (*Image, error) {
	if len(data) < headerPointerOffset+4 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a DOS header", ErrInvalidImage, len(data))
	}
	header := uint64(binary.LittleEndian.Uint32(data[headerPointerOffset:]))
	if header+imageBaseOffset+4 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: header offset 0x%X out of range", ErrInvalidImage, header)
	}
	return &Image{
		Data:          data,
		TimeDateStamp: binary.LittleEndian.Uint32(data[header+timeDateStampOffset:]),
		ImageBase:     binary.LittleEndian.Uint32(data[header+imageBaseOffset:]),
	}, nil
}

// LoadImage reads and parses the executable at path.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := ParseImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
