package detectors

import "math"

const noiseLabel = -1

// standardize rescales each dimension to zero mean and unit variance.
// Constant dimensions keep a scale of 1.
func standardize(points [][]float64) [][]float64 {
	if len(points) == 0 {
		return nil
	}
	dims := len(points[0])
	means := make([]float64, dims)
	scales := make([]float64, dims)
	n := float64(len(points))
	for _, p := range points {
		for d, v := range p {
			means[d] += v
		}
	}
	for d := range means {
		means[d] /= n
	}
	for _, p := range points {
		for d, v := range p {
			diff := v - means[d]
			scales[d] += diff * diff
		}
	}
	for d := range scales {
		scales[d] = math.Sqrt(scales[d] / n)
		if scales[d] == 0 {
			scales[d] = 1
		}
	}

	out := make([][]float64, len(points))
	for i, p := range points {
		row := make([]float64, dims)
		for d, v := range p {
			row[d] = (v - means[d]) / scales[d]
		}
		out[i] = row
	}
	return out
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// dbscan labels points with cluster ids starting at 0; unreachable points get
// noiseLabel. minSamples counts the point itself.
func dbscan(points [][]float64, eps float64, minSamples int) []int {
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = noiseLabel
	}
	if n == 0 {
		return labels
	}

	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if euclidean(points[i], points[j]) <= eps {
				neighbors[i] = append(neighbors[i], j)
			}
		}
	}

	visited := make([]bool, n)
	cluster := 0
	for i := 0; i < n; i++ {
		if visited[i] || len(neighbors[i]) < minSamples {
			continue
		}
		// expand from core point i
		queue := []int{i}
		visited[i] = true
		labels[i] = cluster
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if len(neighbors[p]) < minSamples {
				continue
			}
			for _, q := range neighbors[p] {
				if labels[q] == noiseLabel {
					labels[q] = cluster
				}
				if !visited[q] {
					visited[q] = true
					queue = append(queue, q)
				}
			}
		}
		cluster++
	}
	return labels
}
