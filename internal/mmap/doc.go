// Package mmap provides read-only memory-mapped file access.
//
// It backs the local blob store, where vocabulary artifacts are mapped and
// decoded without an intermediate read buffer.
//
//	m, err := mmap.Open("vocab.bin")
//	if err != nil { ... }
//	defer m.Close()
//	data := m.Bytes()
//
// Unix uses mmap(2) with a sequential madvise hint; Windows uses
// CreateFileMapping/MapViewOfFile.
package mmap
