package octree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// KTX 1.1 file identifier.
var ktxIdentifier = [12]byte{0xAB, 0x4B, 0x54, 0x58, 0x20, 0x31, 0x31, 0xBB, 0x0D, 0x0A, 0x1A, 0x0A}

const ktxEndianness = 0x04030201

// OpenGL pixel formats used by octree blocks.
const (
	glRed  = 0x1903
	glRG   = 0x8227
	glRGB  = 0x1907
	glRGBA = 0x1908
)

// Header is a parsed KTX 1.1 header including its key/value metadata.
type Header struct {
	GLType                uint32
	GLTypeSize            uint32
	GLFormat              uint32
	GLInternalFormat      uint32
	GLBaseInternalFormat  uint32
	PixelWidth            uint32
	PixelHeight           uint32
	PixelDepth            uint32
	NumberOfArrayElements uint32
	NumberOfFaces         uint32
	NumberOfMipmapLevels  uint32

	Metadata map[string]string

	order binary.ByteOrder
}

// Channels returns the number of color components of the pixel format.
func (h *Header) Channels() int {
	switch h.GLFormat {
	case glRG:
		return 2
	case glRGB:
		return 3
	case glRGBA:
		return 4
	default:
		return 1
	}
}

// ReadHeader parses the KTX header and key/value data, leaving r positioned at
// the first mipmap image.
func ReadHeader(r io.Reader) (*Header, error) {
	var ident [12]byte
	if _, err := io.ReadFull(r, ident[:]); err != nil {
		return nil, fmt.Errorf("reading KTX identifier: %w", err)
	}
	if ident != ktxIdentifier {
		return nil, fmt.Errorf("bad KTX identifier % x", ident)
	}
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("reading KTX endianness: %w", err)
	}
	h := &Header{Metadata: make(map[string]string)}
	switch {
	case binary.LittleEndian.Uint32(raw[:]) == ktxEndianness:
		h.order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:]) == ktxEndianness:
		h.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("bad KTX endianness marker % x", raw)
	}
	fields := []*uint32{
		&h.GLType, &h.GLTypeSize, &h.GLFormat, &h.GLInternalFormat, &h.GLBaseInternalFormat,
		&h.PixelWidth, &h.PixelHeight, &h.PixelDepth,
		&h.NumberOfArrayElements, &h.NumberOfFaces, &h.NumberOfMipmapLevels,
	}
	for _, f := range fields {
		if err := binary.Read(r, h.order, f); err != nil {
			return nil, fmt.Errorf("reading KTX header: %w", err)
		}
	}
	var kvBytes uint32
	if err := binary.Read(r, h.order, &kvBytes); err != nil {
		return nil, fmt.Errorf("reading KTX key/value size: %w", err)
	}
	kv := make([]byte, kvBytes)
	if _, err := io.ReadFull(r, kv); err != nil {
		return nil, fmt.Errorf("reading KTX key/value data: %w", err)
	}
	for pos := uint32(0); pos+4 <= kvBytes; {
		n := h.order.Uint32(kv[pos : pos+4])
		pos += 4
		if pos+n > kvBytes {
			return nil, fmt.Errorf("KTX key/value entry of %d bytes overruns %d byte metadata", n, kvBytes)
		}
		entry := kv[pos : pos+n]
		if nul := bytes.IndexByte(entry, 0); nul >= 0 {
			value := bytes.TrimRight(entry[nul+1:], "\x00")
			h.Metadata[string(entry[:nul])] = string(value)
		}
		pos += (n + 3) &^ 3
	}
	return h, nil
}

// ReadImage reads the next mipmap image following the header.
func (h *Header) ReadImage(r io.Reader) ([]byte, error) {
	var imageSize uint32
	if err := binary.Read(r, h.order, &imageSize); err != nil {
		return nil, fmt.Errorf("reading KTX image size: %w", err)
	}
	img := make([]byte, imageSize)
	if _, err := io.ReadFull(r, img); err != nil {
		return nil, fmt.Errorf("reading %d byte KTX image: %w", imageSize, err)
	}
	return img, nil
}

// Write encodes the header, its metadata and the given mipmap images in little
// endian order.  Metadata keys are written sorted so output is deterministic.
func (h *Header) Write(w io.Writer, images ...[]byte) error {
	bw := bufio.NewWriter(w)
	order := binary.LittleEndian

	var kv bytes.Buffer
	keys := make([]string, 0, len(h.Metadata))
	for k := range h.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry := append([]byte(k), 0)
		entry = append(entry, h.Metadata[k]...)
		entry = append(entry, 0)
		binary.Write(&kv, order, uint32(len(entry)))
		kv.Write(entry)
		for pad := (4 - len(entry)%4) % 4; pad > 0; pad-- {
			kv.WriteByte(0)
		}
	}

	bw.Write(ktxIdentifier[:])
	binary.Write(bw, order, uint32(ktxEndianness))
	numMips := h.NumberOfMipmapLevels
	if numMips == 0 {
		numMips = uint32(len(images))
	}
	for _, v := range []uint32{
		h.GLType, h.GLTypeSize, h.GLFormat, h.GLInternalFormat, h.GLBaseInternalFormat,
		h.PixelWidth, h.PixelHeight, h.PixelDepth,
		h.NumberOfArrayElements, h.NumberOfFaces, numMips,
		uint32(kv.Len()),
	} {
		binary.Write(bw, order, v)
	}
	bw.Write(kv.Bytes())
	for _, img := range images {
		binary.Write(bw, order, uint32(len(img)))
		bw.Write(img)
		for pad := (4 - len(img)%4) % 4; pad > 0; pad-- {
			bw.WriteByte(0)
		}
	}
	return bw.Flush()
}
