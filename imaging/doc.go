// Package imaging decodes image files into grayscale pixel buffers.
//
// JPEG, PNG and GIF use the standard library decoders; BMP, TIFF and WebP
// come from golang.org/x/image.
package imaging
