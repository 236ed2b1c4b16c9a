// Package archive unpacks the per-subject image container served by the
// segmentation backend into ordered per-modality buffers.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrDecode is returned for malformed or unsupported containers.
var ErrDecode = errors.New("archive decode failed")

const maxEntrySize = 1 << 30 // 1GB

// Entry is one file from the container, top-level folder stripped from Name.
type Entry struct {
	Name string
	Data []byte
}

// Decoded holds the container contents grouped by top-level folder.
// Buckets only contains modalities that had at least one entry.
type Decoded struct {
	Kind    FileKind
	Buckets map[Modality][]Entry
	Labels  []Entry
}

// Buffers returns the raw buffers of one modality in archive order.
func (d *Decoded) Buffers(m Modality) [][]byte {
	entries := d.Buckets[m]
	if len(entries) == 0 {
		return nil
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Present returns the modalities that were found, in canonical order.
func (d *Decoded) Present() []Modality {
	var out []Modality
	for _, m := range Modalities {
		if len(d.Buckets[m]) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// Decode reads a zip container. Entries are classified by their first path
// segment; anything that is not a modality folder is a label entry. Slices of
// a multi-slice modality keep the container's iteration order.
func Decode(data []byte, kind FileKind) (*Decoded, error) {
	if kind != KindSingleFile && kind != KindMultiSlice {
		return nil, fmt.Errorf("%w: unsupported file kind %s", ErrDecode, kind)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	d := &Decoded{
		Kind:    kind,
		Buckets: make(map[Modality][]Entry),
	}

	for _, f := range zr.File {
		name := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "__MACOSX/") {
			continue
		}

		top, rest, nested := strings.Cut(name, "/")
		buf, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrDecode, f.Name, err)
		}

		m, ok := ParseModality(top)
		if !ok || !nested {
			d.Labels = append(d.Labels, Entry{Name: name, Data: buf})
			continue
		}
		d.Buckets[m] = append(d.Buckets[m], Entry{Name: rest, Data: buf})
	}

	if len(d.Buckets) == 0 {
		return nil, fmt.Errorf("%w: no modality folders in archive", ErrDecode)
	}

	if kind == KindSingleFile {
		for m, entries := range d.Buckets {
			if len(entries) != 1 {
				return nil, fmt.Errorf("%w: %s has %d files, single-file format expects 1", ErrDecode, m, len(entries))
			}
		}
	}

	return d, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("entry too large (%d bytes)", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxEntrySize {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxEntrySize)
	}
	return buf, nil
}
