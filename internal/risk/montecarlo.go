package risk

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/apex-trading/apex-core/internal/model"
)

// simulate draws Options.Paths independent portfolio-return paths over
// stats.HorizonDays, each path compounding a correlated daily return drawn
// from stats' mean/covariance. Paths are independent of each other and of
// scheduling order: each path gets its own deterministic sub-seed derived
// from (opts.Seed, path index), so parallelizing across a worker pool
// never changes the result.
func simulate(stats model.MarketStats, weights []float64, opts Options) ([]float64, error) {
	n := len(stats.Symbols)
	if n == 0 {
		return nil, fmt.Errorf("risk: market stats must include at least one symbol")
	}
	if len(stats.MeanReturns) != n || len(stats.CovMatrix) != n {
		return nil, fmt.Errorf("risk: market stats dimensions mismatch symbols=%d means=%d cov_rows=%d", n, len(stats.MeanReturns), len(stats.CovMatrix))
	}
	if stats.HorizonDays <= 0 {
		return nil, fmt.Errorf("risk: horizon_days must be positive")
	}

	chol, err := cholesky(stats.CovMatrix)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > opts.Paths {
		workers = opts.Paths
	}

	results := make([]float64, opts.Paths)
	g := new(errgroup.Group)
	chunk := (opts.Paths + workers - 1) / workers

	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > opts.Paths {
			end = opts.Paths
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			for p := start; p < end; p++ {
				results[p] = simulateOnePath(opts.Seed, uint64(p), stats, weights, chol)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func simulateOnePath(seed, pathIndex uint64, stats model.MarketStats, weights []float64, chol [][]float64) float64 {
	rng := rand.New(rand.NewPCG(splitmix64(seed, pathIndex), splitmix64(pathIndex, seed)))
	n := len(stats.Symbols)
	z := make([]float64, n)
	correlated := make([]float64, n)

	value := 1.0
	for day := 0; day < stats.HorizonDays; day++ {
		for i := range z {
			z[i] = rng.NormFloat64()
		}
		for i := 0; i < n; i++ {
			var sum float64
			for j := 0; j <= i; j++ {
				sum += chol[i][j] * z[j]
			}
			correlated[i] = stats.MeanReturns[i] + sum
		}
		var dayReturn float64
		for i, w := range weights {
			dayReturn += w * correlated[i]
		}
		value *= 1 + dayReturn
	}
	return value - 1
}

// splitmix64 derives a deterministic sub-seed from two uint64 inputs so
// each simulated path gets an independent, reproducible RNG stream
// regardless of which worker executes it.
func splitmix64(a, b uint64) uint64 {
	x := a ^ (b + 0x9E3779B97F4A7C15 + (a << 6) + (a >> 2))
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x = x ^ (x >> 31)
	return x
}

// cholesky computes the lower-triangular L such that L·Lᵀ = cov, used to
// transform independent standard normal draws into correlated returns.
// cov must be symmetric positive semi-definite; a tiny diagonal epsilon
// guards against rounding pushing a near-singular matrix negative.
func cholesky(cov [][]float64) ([][]float64, error) {
	n := len(cov)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	const eps = 1e-12
	for i := 0; i < n; i++ {
		if len(cov[i]) != n {
			return nil, fmt.Errorf("risk: covariance matrix is not square (row %d has %d columns, want %d)", i, len(cov[i]), n)
		}
		for j := 0; j <= i; j++ {
			sum := cov[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum < -eps {
					return nil, fmt.Errorf("risk: covariance matrix is not positive semi-definite")
				}
				if sum < 0 {
					sum = 0
				}
				l[i][j] = math.Sqrt(sum)
			} else {
				if l[j][j] == 0 {
					l[i][j] = 0
				} else {
					l[i][j] = sum / l[j][j]
				}
			}
		}
	}
	return l, nil
}
