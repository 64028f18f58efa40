package mmap

import (
	"errors"
	"io"
	"os"
)

// ErrInvalidOffset is returned by ReadAt for negative offsets.
var ErrInvalidOffset = errors.New("mmap: invalid offset")

// File is a read-only memory-mapped file.
type File struct {
	data []byte
	f    *os.File
}

// Open maps the file at path into memory as read-only.
// Empty files are valid and map to a nil slice.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		return &File{f: f}, nil
	}
	if int64(int(size)) != size {
		f.Close()
		return nil, errors.New("mmap: file too large")
	}

	data, err := mmap(f, int(size))
	if err != nil {
		f.Close()
		return nil, err
	}
	_ = adviseSequential(data)

	return &File{data: data, f: f}, nil
}

// Bytes returns the mapped region. The slice is invalid after Close.
func (m *File) Bytes() []byte { return m.data }

// Size returns the mapped length in bytes.
func (m *File) Size() int64 { return int64(len(m.data)) }

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidOffset
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the memory and closes the underlying file. It is safe to call twice.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.data != nil {
		err = munmap(m.data)
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
