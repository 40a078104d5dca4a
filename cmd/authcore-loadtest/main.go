// Command authcore-loadtest measures refresh family throughput against Redis:
// liveness checks, rotations, and reuse detection on stale tokens.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serplantas/authcore"
	"github.com/serplantas/authcore/session"
)

type familyState struct {
	id   string
	hash string
	mu   sync.Mutex
}

func main() {
	var (
		families    = flag.Int("families", 100000, "number of refresh families to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase")
		reuse       = flag.Int("reuse", 1000, "stale refresh presentations in the reuse phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "family key prefix")
	)
	flag.Parse()

	if *families <= 0 || *concurrency <= 0 || *ops <= 0 || *reuse < 0 || *reuse > *families {
		fmt.Fprintln(os.Stderr, "families, concurrency and ops must be > 0; reuse must be in [0, families]")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := session.NewStore(client, *prefix+"f", *prefix+"u")

	states := make([]familyState, *families)
	fmt.Printf("seeding %d families...\n", *families)
	startSeed := time.Now()
	now := time.Now()
	for i := range states {
		states[i] = familyState{id: "fam-" + strconv.Itoa(i), hash: hashOf("seed", i)}
		err := store.Create(ctx, &session.Family{
			ID:          states[i].id,
			UserID:      "user-" + strconv.Itoa(i%1000),
			AMR:         []string{authcore.AMRPassword, authcore.AMRTOTP},
			RefreshHash: states[i].hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(24 * time.Hour),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	existsStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		ok, err := store.Exists(ctx, states[r.Intn(len(states))].id)
		if err == nil && !ok {
			err = session.ErrRefreshNotFound
		}
		return err
	})

	rotateStats := runPhase(*ops, *concurrency, func(r *rand.Rand, i int) error {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		defer state.mu.Unlock()
		next := hashOf(state.id, i)
		if _, err := store.Rotate(ctx, state.id, state.hash, next); err != nil {
			return err
		}
		state.hash = next
		return nil
	})

	// Each presentation uses a hash the family never held, so every call
	// must revoke its family.
	var detected int64
	reuseStats := runPhase(*reuse, *concurrency, func(_ *rand.Rand, i int) error {
		state := &states[i]
		_, err := store.Rotate(ctx, state.id, hashOf("stale", i), hashOf("never", i))
		if errors.Is(err, session.ErrRefreshReused) {
			atomic.AddInt64(&detected, 1)
			return nil
		}
		if err == nil {
			err = errors.New("stale token accepted")
		}
		return err
	})

	fmt.Println("---- results ----")
	printStats("exists", existsStats)
	printStats("rotate", rotateStats)
	if *reuse > 0 {
		printStats("reuse", reuseStats)
		fmt.Printf("reuse: detected=%d of %d\n", atomic.LoadInt64(&detected), *reuse)
	}
}

// runPhase spreads ops calls of fn over concurrency workers. fn receives a
// per-worker rand and the global operation index.
func runPhase(ops, concurrency int, fn func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := fn(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func hashOf(label string, n int) string {
	sum := sha256.Sum256([]byte(label + ":" + strconv.Itoa(n)))
	return hex.EncodeToString(sum[:])
}
