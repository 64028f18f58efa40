// Package distance provides the descriptor distance kernels used by
// vocabulary construction and lookup.
//
//   - SquaredL2 / Dot on float32 descriptors
//   - Hamming on packed binary descriptors
//
// The loops are unrolled by four so the compiler keeps independent
// accumulators in registers.
package distance
