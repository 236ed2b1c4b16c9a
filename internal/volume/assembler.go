package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/kalambet/brainview/internal/archive"
)

// Assembler turns the ordered buffers of one modality into a Volume.
type Assembler interface {
	Assemble(key Key, kind archive.FileKind, buffers [][]byte) (*Volume, error)
}

// DefaultAssembler dispatches on the container's file kind.
type DefaultAssembler struct {
	Nifti NiftiAssembler
	Stack StackAssembler
}

func (a DefaultAssembler) Assemble(key Key, kind archive.FileKind, buffers [][]byte) (*Volume, error) {
	switch kind {
	case archive.KindSingleFile:
		return a.Nifti.Assemble(key, kind, buffers)
	case archive.KindMultiSlice:
		return a.Stack.Assemble(key, kind, buffers)
	default:
		return nil, fmt.Errorf("%w: unsupported file kind %s", ErrArchiveDecode, kind)
	}
}

// StackAssembler builds a volume from a stack of single-slice files. In-plane
// geometry comes from configuration; depth is the number of slices.
type StackAssembler struct {
	Rows int
	Cols int
}

func (a StackAssembler) Assemble(key Key, kind archive.FileKind, buffers [][]byte) (*Volume, error) {
	if len(buffers) == 0 {
		return nil, fmt.Errorf("%w: %s has no slices", ErrArchiveDecode, key)
	}
	rows, cols := a.Rows, a.Cols
	if rows <= 0 {
		rows = 240
	}
	if cols <= 0 {
		cols = 240
	}
	return &Volume{
		Key:    key,
		Kind:   kind,
		Dims:   [3]int{cols, rows, len(buffers)},
		Slices: buffers,
	}, nil
}

const (
	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
)

// NiftiAssembler reads the geometry of a single NIfTI-1 or NIfTI-2 file,
// optionally gzip-compressed.
type NiftiAssembler struct{}

func (NiftiAssembler) Assemble(key Key, kind archive.FileKind, buffers [][]byte) (*Volume, error) {
	if len(buffers) != 1 {
		return nil, fmt.Errorf("%w: %s has %d files, want 1", ErrArchiveDecode, key, len(buffers))
	}
	hdr, err := readNiftiHeader(buffers[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveDecode, key, err)
	}
	return &Volume{
		Key:       key,
		Kind:      kind,
		Dims:      hdr.dims,
		Slices:    buffers,
		Datatype:  hdr.datatype,
		BitPix:    hdr.bitpix,
		VoxOffset: hdr.voxOffset,
		BigEndian: hdr.order == binary.BigEndian,
	}, nil
}

type niftiHeader struct {
	order     binary.ByteOrder
	dims      [3]int
	datatype  int16
	bitpix    int16
	voxOffset int64
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// openNifti returns a reader over the uncompressed file.
func openNifti(buf []byte) (io.Reader, error) {
	if !isGzip(buf) {
		return bytes.NewReader(buf), nil
	}
	return gzip.NewReader(bytes.NewReader(buf))
}

func readNiftiHeader(buf []byte) (*niftiHeader, error) {
	r, err := openNifti(buf)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, nifti2HeaderSize)
	n, err := io.ReadFull(r, raw)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	raw = raw[:n]
	if len(raw) < nifti1HeaderSize {
		return nil, fmt.Errorf("header truncated at %d bytes", len(raw))
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch int32(order.Uint32(raw[0:4])) {
		case nifti1HeaderSize:
			return parseNifti1(raw, order)
		case nifti2HeaderSize:
			if len(raw) < nifti2HeaderSize {
				return nil, fmt.Errorf("nifti-2 header truncated at %d bytes", len(raw))
			}
			return parseNifti2(raw, order)
		}
	}
	return nil, errors.New("not a NIfTI file")
}

func parseNifti1(raw []byte, order binary.ByteOrder) (*niftiHeader, error) {
	var dim [8]int64
	for i := range dim {
		dim[i] = int64(int16(order.Uint16(raw[40+2*i:])))
	}
	h := &niftiHeader{
		order:     order,
		datatype:  int16(order.Uint16(raw[70:])),
		bitpix:    int16(order.Uint16(raw[72:])),
		voxOffset: int64(math.Float32frombits(order.Uint32(raw[108:]))),
	}
	return h, h.setDims(dim)
}

func parseNifti2(raw []byte, order binary.ByteOrder) (*niftiHeader, error) {
	var dim [8]int64
	for i := range dim {
		dim[i] = int64(order.Uint64(raw[16+8*i:]))
	}
	h := &niftiHeader{
		order:     order,
		datatype:  int16(order.Uint16(raw[12:])),
		bitpix:    int16(order.Uint16(raw[14:])),
		voxOffset: int64(order.Uint64(raw[168:])),
	}
	return h, h.setDims(dim)
}

func (h *niftiHeader) setDims(dim [8]int64) error {
	rank := dim[0]
	if rank < 1 || rank > 7 {
		return fmt.Errorf("invalid dim[0] %d", rank)
	}
	for i := 0; i < 3; i++ {
		d := int64(1)
		if int64(i) < rank {
			d = dim[i+1]
		}
		if d < 1 {
			return fmt.Errorf("invalid dim[%d] %d", i+1, d)
		}
		h.dims[i] = int(d)
	}
	return nil
}

// Intensities decodes up to limit voxel values of a single-file volume,
// sampled at a fixed stride. Slice stacks carry no decodable pixel data.
func (v *Volume) Intensities(limit int) ([]float64, error) {
	if v.Kind != archive.KindSingleFile || len(v.Slices) != 1 {
		return nil, errors.New("intensities unavailable for slice stacks")
	}
	decode, width, ok := sampleDecoder(v.Datatype)
	if !ok {
		return nil, fmt.Errorf("unsupported datatype %d", v.Datatype)
	}
	if int(v.BitPix) != 8*width {
		return nil, fmt.Errorf("bitpix %d disagrees with datatype %d", v.BitPix, v.Datatype)
	}

	r, err := openNifti(v.Slices[0])
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if v.VoxOffset < 0 || v.VoxOffset > int64(len(data)) {
		return nil, fmt.Errorf("vox_offset %d outside file", v.VoxOffset)
	}
	data = data[v.VoxOffset:]

	total := min(len(data)/width, v.VoxelCount())
	if total == 0 {
		return nil, nil
	}
	stride := 1
	if limit > 0 && total > limit {
		stride = total / limit
	}

	var order binary.ByteOrder = binary.LittleEndian
	if v.BigEndian {
		order = binary.BigEndian
	}
	out := make([]float64, 0, total/stride+1)
	for i := 0; i < total && i*width+width <= len(data); i += stride {
		out = append(out, decode(order, data[i*width:i*width+width]))
	}
	return out, nil
}

// sampleDecoder returns the decoder for one voxel of datatype and its size in bytes.
func sampleDecoder(datatype int16) (func(binary.ByteOrder, []byte) float64, int, bool) {
	switch datatype {
	case 2: // uint8
		return func(_ binary.ByteOrder, b []byte) float64 { return float64(b[0]) }, 1, true
	case 4: // int16
		return func(o binary.ByteOrder, b []byte) float64 { return float64(int16(o.Uint16(b))) }, 2, true
	case 8: // int32
		return func(o binary.ByteOrder, b []byte) float64 { return float64(int32(o.Uint32(b))) }, 4, true
	case 16: // float32
		return func(o binary.ByteOrder, b []byte) float64 { return float64(math.Float32frombits(o.Uint32(b))) }, 4, true
	case 64: // float64
		return func(o binary.ByteOrder, b []byte) float64 { return math.Float64frombits(o.Uint64(b)) }, 8, true
	case 512: // uint16
		return func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint16(b)) }, 2, true
	default:
		return nil, 0, false
	}
}
