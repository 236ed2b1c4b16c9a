package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/kalambet/brainview/internal/archive"
)

// nifti1 builds a minimal little-endian int16 NIfTI-1 file.
func nifti1(dims [3]int16, voxels []int16) []byte {
	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], 348)
	le.PutUint16(hdr[40:], 3)
	for i, d := range dims {
		le.PutUint16(hdr[42+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], 4)
	le.PutUint16(hdr[72:], 16)
	le.PutUint32(hdr[108:], math.Float32bits(352))
	for _, v := range voxels {
		hdr = le.AppendUint16(hdr, uint16(v))
	}
	return hdr
}

func TestNiftiAssembler_ReadsDims(t *testing.T) {
	raw := nifti1([3]int16{2, 3, 2}, []int16{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, -5})
	key := Key{SubjectID: "sub-1", Modality: archive.T2}

	v, err := NiftiAssembler{}.Assemble(key, archive.KindSingleFile, [][]byte{raw})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if v.Dims != [3]int{2, 3, 2} || v.VoxelCount() != 12 {
		t.Errorf("Dims = %v, want [2 3 2]", v.Dims)
	}

	samples, err := v.Intensities(0)
	if err != nil {
		t.Fatalf("Intensities: %v", err)
	}
	if len(samples) != 12 || samples[11] != -5 || samples[1] != 10 {
		t.Errorf("samples = %v", samples)
	}
}

func TestNiftiAssembler_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(nifti1([3]int16{4, 4, 1}, make([]int16, 16)))
	zw.Close()

	v, err := NiftiAssembler{}.Assemble(Key{SubjectID: "s", Modality: archive.T1}, archive.KindSingleFile, [][]byte{buf.Bytes()})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if v.VoxelCount() != 16 {
		t.Errorf("VoxelCount() = %d, want 16", v.VoxelCount())
	}
}

func TestNiftiAssembler_RejectsGarbage(t *testing.T) {
	key := Key{SubjectID: "s", Modality: archive.T1}
	for name, buffers := range map[string][][]byte{
		"short":    {[]byte("tiny")},
		"magic":    {make([]byte, 400)},
		"multiple": {nifti1([3]int16{1, 1, 1}, []int16{0}), nifti1([3]int16{1, 1, 1}, []int16{0})},
	} {
		if _, err := (NiftiAssembler{}).Assemble(key, archive.KindSingleFile, buffers); !errors.Is(err, ErrArchiveDecode) {
			t.Errorf("%s: err = %v, want ErrArchiveDecode", name, err)
		}
	}
}

func TestStackAssembler_Defaults(t *testing.T) {
	v, err := StackAssembler{}.Assemble(Key{SubjectID: "s", Modality: archive.FLAIR}, archive.KindMultiSlice, [][]byte{{1}, {2}, {3}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if v.Dims != [3]int{240, 240, 3} {
		t.Errorf("Dims = %v, want [240 240 3]", v.Dims)
	}
	if _, err := v.Intensities(10); err == nil {
		t.Error("expected Intensities to fail for slice stacks")
	}
}

func TestIntensities_BitpixDisagreesWithDatatype(t *testing.T) {
	raw := nifti1([3]int16{2, 2, 1}, []int16{1, 2, 3, 4})
	binary.LittleEndian.PutUint16(raw[70:], 16) // float32
	binary.LittleEndian.PutUint16(raw[72:], 8)
	raw = raw[:352+3]

	v, err := NiftiAssembler{}.Assemble(Key{SubjectID: "s", Modality: archive.T1}, archive.KindSingleFile, [][]byte{raw})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if _, err := v.Intensities(0); err == nil {
		t.Fatal("expected error for bitpix/datatype mismatch")
	}
}

func TestIntensities_TruncatedVoxelData(t *testing.T) {
	raw := nifti1([3]int16{2, 2, 1}, []int16{7, 8, 9, 10})
	raw = raw[:352+5]

	v, err := NiftiAssembler{}.Assemble(Key{SubjectID: "s", Modality: archive.T1}, archive.KindSingleFile, [][]byte{raw})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	samples, err := v.Intensities(0)
	if err != nil {
		t.Fatalf("Intensities: %v", err)
	}
	if len(samples) != 2 || samples[0] != 7 || samples[1] != 8 {
		t.Errorf("samples = %v, want [7 8]", samples)
	}
}
