// Package hash provides the CRC32-Castagnoli checksums used to guard
// persisted vocabulary artifacts against truncation and bit rot.
//
//	checksum := hash.CRC32C(data)
//
// Go's hash/crc32 uses SSE4.2 or the ARM CRC extension when available.
package hash
