package kmeans

import (
	"context"
	"math"
	"math/rand"

	"github.com/hupe1980/vistore/distance"
)

// TrainBinary clusters packed binary descriptors (width bytes each) with
// k-majority: points are assigned by Hamming distance and each centroid bit
// is set when at least half of its members have it set.
//
// It follows the same seeding and degenerate-input rules as TrainKMeans.
func TrainBinary(ctx context.Context, vectors []byte, width, k, maxIter int, rng *rand.Rand) ([]byte, []int, error) {
	if width <= 0 || k <= 0 || len(vectors)%width != 0 {
		return nil, nil, ErrInvalidArgument
	}
	n := len(vectors) / width
	if n == 0 {
		return nil, nil, nil
	}
	if n <= k {
		assignments := make([]int, n)
		for i := range assignments {
			assignments[i] = i
		}
		return append([]byte(nil), vectors...), assignments, nil
	}

	row := func(i int) []byte { return vectors[i*width : (i+1)*width] }

	centroids := make([]byte, 0, k*width)
	centroids = append(centroids, row(rng.Intn(n))...)
	nearest := make([]float64, n)
	for i := range nearest {
		nearest[i] = float64(distance.Hamming(row(i), centroids[:width]))
	}
	for c := 1; c < k; c++ {
		var total float64
		for _, d := range nearest {
			total += d * d
		}
		next := rng.Intn(n)
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range nearest {
				target -= d * d
				next = i
				if target <= 0 {
					break
				}
			}
		}
		seed := row(next)
		centroids = append(centroids, seed...)
		for i := range nearest {
			if d := float64(distance.Hamming(row(i), seed)); d < nearest[i] {
				nearest[i] = d
			}
		}
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	bitCounts := make([]int, k*width*8)
	counts := make([]int, k)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		changed := false
		for i := 0; i < n; i++ {
			best := AssignBinary(row(i), centroids, width)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		clear(bitCounts)
		clear(counts)
		for i := 0; i < n; i++ {
			c := assignments[i]
			counts[c]++
			base := c * width * 8
			for b, v := range row(i) {
				for bit := 0; bit < 8; bit++ {
					if v&(1<<bit) != 0 {
						bitCounts[base+b*8+bit]++
					}
				}
			}
		}

		for j := 0; j < k; j++ {
			dst := centroids[j*width : (j+1)*width]
			if counts[j] == 0 {
				copy(dst, row(rng.Intn(n)))
				continue
			}
			base := j * width * 8
			for b := range dst {
				var v byte
				for bit := 0; bit < 8; bit++ {
					if 2*bitCounts[base+b*8+bit] >= counts[j] {
						v |= 1 << bit
					}
				}
				dst[b] = v
			}
		}
	}

	for i := 0; i < n; i++ {
		assignments[i] = AssignBinary(row(i), centroids, width)
	}
	return centroids, assignments, nil
}

// AssignBinary returns the index of the binary centroid closest to vec.
func AssignBinary(vec []byte, centroids []byte, width int) int {
	best := -1
	minDist := float32(math.MaxFloat32)
	for j := 0; j*width < len(centroids); j++ {
		if d := distance.Hamming(vec, centroids[j*width:(j+1)*width]); d < minDist || best < 0 {
			minDist = d
			best = j
		}
	}
	return best
}
