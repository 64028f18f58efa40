// Package kmeans implements the seeded k-means variants used to grow the
// vocabulary tree: Lloyd's algorithm for float descriptors and k-majority
// for packed binary descriptors.
package kmeans
