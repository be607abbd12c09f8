// Command blobcachebench drives the blob cache core's read and prefetch
// paths against a synthetic blob, for load testing and profiling.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // reproducible benchmark data, not security sensitive
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/felixge/fgprof"

	"github.com/rafscache/blobcache/cache"
	"github.com/rafscache/blobcache/cache/filecache"
	"github.com/rafscache/blobcache/compress"
	"github.com/rafscache/blobcache/device"
	"github.com/rafscache/blobcache/internal/testutil"
)

type config struct {
	mode          string
	chunks        int
	chunkSize     int
	duration      time.Duration
	iterations    int
	readRandom    bool
	seed          int64
	pprofAddr     string
	fgProfile     string
	cpuProfile    string
	memProfile    string
	workerCount   int
	queueDepth    int
	faultEvery    int
}

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		f, err := os.Create(cfg.fgProfile)
		if err != nil {
			log.Fatal(err)
		}
		stopFG = fgprof.Start(f, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = f.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	stats, err := run(cfg)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode, stats.ops, stats.bytes, stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds())
}

type runStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

func run(cfg config) (runStats, error) {
	blob, chunks, raw := syntheticBlob(cfg.chunks, cfg.chunkSize, cfg.seed)
	backend := testutil.NewFaultyBackend(raw)
	if cfg.faultEvery > 0 {
		for i, c := range chunks {
			if i%cfg.faultEvery == 0 {
				backend.CorruptOnce(c.CompressedOffset)
			}
		}
	}
	chunkSource := testutil.NewMapChunkSource(chunks)

	ccfg := cache.NewConfig(
		cache.WithPrefetchWorkerCount(cfg.workerCount),
		cache.WithPrefetchQueueDepth(cfg.queueDepth),
	)

	dir, err := os.MkdirTemp("", "blobcachebench-*")
	if err != nil {
		return runStats{}, err
	}
	defer os.RemoveAll(dir) //nolint:errcheck // best-effort cleanup for a benchmark temp dir

	c, err := filecache.New(dir, blob, backend, chunkSource, compress.NewDecoderPool(0), ccfg)
	if err != nil {
		return runStats{}, err
	}
	defer c.Close() //nolint:errcheck // best-effort cleanup for a benchmark run

	obj, err := c.GetBlobObject()
	if err != nil {
		return runStats{}, err
	}

	start := time.Now()
	ops := 0
	var byteCount int64
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	rng := rand.New(rand.NewSource(cfg.seed)) //nolint:gosec // reproducible benchmark data

	switch cfg.mode {
	case "read":
		for shouldContinue() {
			idx := pickChunk(len(chunks), ops, rng, cfg.readRandom)
			off, err := obj.FileOffset(uint32(idx))
			if err != nil {
				return runStats{}, err
			}
			got, err := obj.FetchRange(off, uint64(chunks[idx].UncompressedSize))
			if err != nil {
				return runStats{}, err
			}
			byteCount += int64(len(got))
			ops++
		}

	case "prefetch":
		if err := c.StartPrefetch(); err != nil {
			return runStats{}, err
		}
		var descs []*device.BlobIoDesc
		for _, ch := range chunks {
			descs = append(descs, &device.BlobIoDesc{Blob: blob, Chunk: ch, Offset: 0, Size: ch.UncompressedSize})
		}
		for shouldContinue() {
			if _, err := c.Prefetch(descs); err != nil {
				return runStats{}, err
			}
			byteCount += int64(blob.UncompressedSize)
			ops++
		}
		if err := c.StopPrefetch(); err != nil {
			return runStats{}, err
		}

	default:
		return runStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return runStats{ops: ops, bytes: byteCount, elapsed: time.Since(start)}, nil
}

func pickChunk(n, idx int, rng *rand.Rand, random bool) int {
	if random {
		return rng.Intn(n)
	}
	return idx % n
}

func syntheticBlob(chunkCount, chunkSize int, seed int64) (*device.BlobInfo, []*device.ChunkInfo, []byte) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible benchmark data
	raw := make([]byte, chunkCount*chunkSize)
	if _, err := rng.Read(raw); err != nil {
		log.Fatal(err)
	}

	chunks := make([]*device.ChunkInfo, chunkCount)
	for i := range chunks {
		payload := raw[i*chunkSize : (i+1)*chunkSize]
		chunks[i] = &device.ChunkInfo{
			Index:              uint32(i),
			ID:                 digest(payload),
			CompressedOffset:   uint64(i * chunkSize),
			CompressedSize:     uint32(chunkSize),
			UncompressedOffset: uint64(i * chunkSize),
			UncompressedSize:   uint32(chunkSize),
		}
	}
	blob := &device.BlobInfo{
		ID:               "bench-blob",
		CompressedSize:   uint64(len(raw)),
		UncompressedSize: uint64(len(raw)),
		Compressor:       "none",
		Digester:         "sha256",
		ChunkCount:       uint32(chunkCount),
	}
	return blob, chunks, raw
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "read", "mode: read, prefetch")
	flag.IntVar(&cfg.chunks, "chunks", 1024, "number of chunks in the synthetic blob")
	flag.IntVar(&cfg.chunkSize, "chunk-size", 64<<10, "chunk size in bytes")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize chunk selection in read mode")
	flag.Int64Var(&cfg.seed, "seed", 1, "random seed")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.IntVar(&cfg.workerCount, "prefetch-workers", 8, "prefetch worker pool size")
	flag.IntVar(&cfg.queueDepth, "prefetch-queue-depth", 256, "prefetch queue depth")
	flag.IntVar(&cfg.faultEvery, "fault-every", 0, "corrupt every Nth chunk once, to exercise retry (0 disables)")
	flag.Parse()
	return cfg
}

func digest(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}
