package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"
)

type zipFile struct {
	name string
	body string
}

func buildZip(t *testing.T, files ...zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			t.Fatalf("Create(%s): %v", f.name, err)
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			t.Fatalf("Write(%s): %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func TestDecode_MultiSliceKeepsArchiveOrder(t *testing.T) {
	// Names deliberately out of lexical order.
	data := buildZip(t,
		zipFile{"t1/slice-10.dcm", "t1-a"},
		zipFile{"flair/z.dcm", "flair-a"},
		zipFile{"t1/slice-2.dcm", "t1-b"},
		zipFile{"flair/a.dcm", "flair-b"},
		zipFile{"t1/slice-1.dcm", "t1-c"},
		zipFile{"flair/m.dcm", "flair-c"},
	)

	d, err := Decode(data, KindMultiSlice)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	wantT1 := []string{"t1-a", "t1-b", "t1-c"}
	got := d.Buffers(T1)
	if len(got) != len(wantT1) {
		t.Fatalf("t1 has %d buffers, want %d", len(got), len(wantT1))
	}
	for i, w := range wantT1 {
		if string(got[i]) != w {
			t.Errorf("t1[%d] = %q, want %q", i, got[i], w)
		}
	}

	wantFlair := []string{"flair-a", "flair-b", "flair-c"}
	got = d.Buffers(FLAIR)
	if len(got) != len(wantFlair) {
		t.Fatalf("flair has %d buffers, want %d", len(got), len(wantFlair))
	}
	for i, w := range wantFlair {
		if string(got[i]) != w {
			t.Errorf("flair[%d] = %q, want %q", i, got[i], w)
		}
	}

	if n := len(d.Buffers(T1KM)); n != 0 {
		t.Errorf("t1km has %d buffers, want 0", n)
	}
	if n := len(d.Buffers(T2)); n != 0 {
		t.Errorf("t2 has %d buffers, want 0", n)
	}

	present := d.Present()
	if len(present) != 2 || present[0] != T1 || present[1] != FLAIR {
		t.Errorf("Present() = %v, want [t1 flair]", present)
	}
}

func TestDecode_OtherFoldersAreLabels(t *testing.T) {
	data := buildZip(t,
		zipFile{"t2/volume.nii.gz", "t2"},
		zipFile{"labels/seg.nii.gz", "seg"},
		zipFile{"README.txt", "readme"},
	)

	d, err := Decode(data, KindSingleFile)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(d.Labels) != 2 {
		t.Fatalf("got %d label entries, want 2", len(d.Labels))
	}
	if d.Labels[0].Name != "labels/seg.nii.gz" {
		t.Errorf("Labels[0].Name = %q", d.Labels[0].Name)
	}
	if d.Buckets[T2][0].Name != "volume.nii.gz" {
		t.Errorf("t2 entry name = %q, want %q", d.Buckets[T2][0].Name, "volume.nii.gz")
	}
}

func TestDecode_SingleFileRejectsMultipleEntries(t *testing.T) {
	data := buildZip(t,
		zipFile{"t1/a.nii.gz", "a"},
		zipFile{"t1/b.nii.gz", "b"},
	)

	_, err := Decode(data, KindSingleFile)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("definitely not a zip"), KindMultiSlice)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestDecode_NoModalities(t *testing.T) {
	data := buildZip(t, zipFile{"labels/seg.nii.gz", "seg"})

	_, err := Decode(data, KindSingleFile)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	data := buildZip(t, zipFile{"t1/a.dcm", "a"})

	if _, err := Decode(data, KindUnknown); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestParseFileKind(t *testing.T) {
	cases := map[string]FileKind{
		"DICOM":   KindMultiSlice,
		"nifti":   KindSingleFile,
		" NIFTI ": KindSingleFile,
	}
	for in, want := range cases {
		got, err := ParseFileKind(in)
		if err != nil {
			t.Errorf("ParseFileKind(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseFileKind(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseFileKind("PNG"); err == nil {
		t.Error("ParseFileKind(PNG) should fail")
	}
}
