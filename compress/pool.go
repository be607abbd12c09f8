package compress

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DecoderPool manages reusable zstd decoders, amortizing the allocation
// cost of a fresh decoder across every chunk the cache decompresses.
type DecoderPool struct {
	pool               *sync.Pool
	maxDecoderMemory   uint64
	decoderConcurrency int
	decoderLowmem      bool
}

// PoolOption configures a DecoderPool.
type PoolOption func(*DecoderPool)

// WithDecoderConcurrency sets the per-decoder goroutine concurrency. The
// cache defaults to 1 since chunks are already decompressed one at a time
// per prefetch worker.
func WithDecoderConcurrency(n int) PoolOption {
	return func(p *DecoderPool) {
		if n < 0 {
			n = 0
		}
		p.decoderConcurrency = n
	}
}

// WithDecoderLowmem trades decode throughput for lower per-decoder memory
// use, worthwhile when PrefetchWorkerCount is high.
func WithDecoderLowmem(b bool) PoolOption {
	return func(p *DecoderPool) { p.decoderLowmem = b }
}

// NewDecoderPool creates a pool of zstd decoders. If maxMemory is 0, no
// per-decoder memory ceiling is applied.
func NewDecoderPool(maxMemory uint64, opts ...PoolOption) *DecoderPool {
	p := &DecoderPool{
		maxDecoderMemory:   maxMemory,
		decoderConcurrency: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

// Get returns a decoder reading from r. The caller must invoke the returned
// release function when done with it, whether or not it returns an error
// from its own reads.
func (p *DecoderPool) Get(r io.Reader) (*zstd.Decoder, func(), error) {
	if p == nil || p.pool == nil {
		dec, err := (*DecoderPool)(nil).newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	value := p.pool.Get()
	dec, ok := value.(*zstd.Decoder)
	if !ok {
		newDec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	if err := dec.Reset(r); err != nil {
		dec.Close()
		newDec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	return dec, func() {
		_ = dec.Reset(nil)
		p.pool.Put(dec)
	}, nil
}

func (p *DecoderPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	if p == nil {
		return zstd.NewReader(r)
	}
	opts := make([]zstd.DOption, 0, 3)
	opts = append(opts, zstd.WithDecoderConcurrency(p.decoderConcurrency))
	opts = append(opts, zstd.WithDecoderLowmem(p.decoderLowmem))
	if p.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	return zstd.NewReader(r, opts...)
}
