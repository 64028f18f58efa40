package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/hupe1980/vistore/distance"
)

// ErrInvalidArgument is returned for malformed training input.
var ErrInvalidArgument = errors.New("kmeans: invalid argument")

// TrainKMeans clusters the n = len(vectors)/dim row-major vectors into at
// most k groups with Lloyd's algorithm and k-means++ seeding drawn from rng.
// It returns the flattened centroids and each vector's cluster index.
//
// When n <= k every vector becomes its own centroid. The result depends only
// on the input and the state of rng, so a seeded rng gives reproducible
// clusters.
func TrainKMeans(ctx context.Context, vectors []float32, dim, k, maxIter int, rng *rand.Rand) ([]float32, []int, error) {
	if dim <= 0 || k <= 0 || len(vectors)%dim != 0 {
		return nil, nil, ErrInvalidArgument
	}
	n := len(vectors) / dim
	if n == 0 {
		return nil, nil, nil
	}
	if n <= k {
		centroids := append([]float32(nil), vectors...)
		assignments := make([]int, n)
		for i := range assignments {
			assignments[i] = i
		}
		return centroids, assignments, nil
	}

	row := func(i int) []float32 { return vectors[i*dim : (i+1)*dim] }

	centroids := make([]float32, 0, k*dim)
	centroids = append(centroids, row(rng.Intn(n))...)

	// k-means++: pick each further seed with probability proportional to its
	// squared distance to the closest seed chosen so far.
	nearest := make([]float64, n)
	for i := range nearest {
		nearest[i] = float64(distance.SquaredL2(row(i), centroids[:dim]))
	}
	for c := 1; c < k; c++ {
		var total float64
		for _, d := range nearest {
			total += d
		}
		next := 0
		if total == 0 {
			next = rng.Intn(n)
		} else {
			target := rng.Float64() * total
			for i, d := range nearest {
				target -= d
				if target <= 0 {
					next = i
					break
				}
				next = i
			}
		}
		seed := row(next)
		centroids = append(centroids, seed...)
		for i := range nearest {
			if d := float64(distance.SquaredL2(row(i), seed)); d < nearest[i] {
				nearest[i] = d
			}
		}
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float64, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		changed := false
		for i := 0; i < n; i++ {
			best := AssignPartition(row(i), centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			c := assignments[i]
			for d, v := range row(i) {
				sums[c*dim+d] += float64(v)
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Re-seed an empty cluster from a random point.
				copy(centroids[j*dim:(j+1)*dim], row(rng.Intn(n)))
				continue
			}
			inv := 1 / float64(counts[j])
			for d := 0; d < dim; d++ {
				centroids[j*dim+d] = float32(sums[j*dim+d] * inv)
			}
		}
	}

	// Final assignment against the final centroids.
	for i := 0; i < n; i++ {
		assignments[i] = AssignPartition(row(i), centroids, dim)
	}
	return centroids, assignments, nil
}

// AssignPartition returns the index of the centroid closest to vec. Ties go
// to the lower index.
func AssignPartition(vec []float32, centroids []float32, dim int) int {
	best := -1
	minDist := float32(math.MaxFloat32)
	for j := 0; j*dim < len(centroids); j++ {
		if d := distance.SquaredL2(vec, centroids[j*dim:(j+1)*dim]); d < minDist || best < 0 {
			minDist = d
			best = j
		}
	}
	return best
}
