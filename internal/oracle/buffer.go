package oracle

import (
	"errors"
	"fmt"

	"lp-rebalance-bot/internal/fixedpoint"

	"github.com/holiman/uint256"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrInvalidCapacity = errors.New("buffer capacity must be > 0")
	ErrInvalidSample   = errors.New("invalid sample")
)

type Sample struct {
	Timestamp int64
	Price     *uint256.Int
}

// Buffer is a fixed-capacity ring of samples stored in a flat arena and
// addressed only by index. The oldest sample is overwritten first.
type Buffer struct {
	samples []Sample
	head    int
	count   int
}

func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{samples: make([]Sample, capacity)}, nil
}

func (b *Buffer) Cap() int { return len(b.samples) }
func (b *Buffer) Len() int { return b.count }

func (b *Buffer) At(i int) Sample {
	return b.samples[(b.head+i)%len(b.samples)]
}

func (b *Buffer) Latest() (Sample, bool) {
	if b.count == 0 {
		return Sample{}, false
	}
	return b.At(b.count - 1), true
}

func (b *Buffer) Push(s Sample) error {
	if s.Price == nil || s.Price.IsZero() {
		return fmt.Errorf("%w: zero price", ErrInvalidSample)
	}
	if last, ok := b.Latest(); ok && s.Timestamp <= last.Timestamp {
		return fmt.Errorf("%w: timestamp %d not after %d", ErrInvalidSample, s.Timestamp, last.Timestamp)
	}
	s.Price = new(uint256.Int).Set(s.Price)
	if b.count < len(b.samples) {
		b.samples[(b.head+b.count)%len(b.samples)] = s
		b.count++
		return nil
	}
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
	return nil
}

// TWAP weights each sample's price by the time until the next sample, or
// until now for the latest one. Segments are clipped to [now-window, now].
func (b *Buffer) TWAP(now, window int64) (*uint256.Int, error) {
	if b.count == 0 {
		return nil, errors.New("buffer empty")
	}
	if window <= 0 {
		return nil, errors.New("window must be > 0")
	}
	start := now - window
	sum := new(uint256.Int)
	var total int64
	for i := 0; i < b.count; i++ {
		s := b.At(i)
		if s.Timestamp >= now {
			break
		}
		segStart := s.Timestamp
		segEnd := now
		if i+1 < b.count {
			if next := b.At(i + 1).Timestamp; next < now {
				segEnd = next
			}
		}
		if segEnd <= start {
			continue
		}
		if segStart < start {
			segStart = start
		}
		dt := segEnd - segStart
		if dt <= 0 {
			continue
		}
		weighted, overflow := new(uint256.Int).MulOverflow(s.Price, uint256.NewInt(uint64(dt)))
		if overflow {
			return nil, fixedpoint.ErrOverflow
		}
		if _, overflow := sum.AddOverflow(sum, weighted); overflow {
			return nil, fixedpoint.ErrOverflow
		}
		total += dt
	}
	if total == 0 {
		return nil, errors.New("no elapsed time in window")
	}
	return sum.Div(sum, uint256.NewInt(uint64(total))), nil
}

type sampleRecord struct {
	T int64  `msgpack:"t"`
	P []byte `msgpack:"p"`
}

type bufferRecord struct {
	Capacity int            `msgpack:"cap"`
	Samples  []sampleRecord `msgpack:"samples"`
}

func (b *Buffer) MarshalBinary() ([]byte, error) {
	rec := bufferRecord{Capacity: len(b.samples), Samples: make([]sampleRecord, 0, b.count)}
	for i := 0; i < b.count; i++ {
		s := b.At(i)
		rec.Samples = append(rec.Samples, sampleRecord{T: s.Timestamp, P: s.Price.Bytes()})
	}
	return msgpack.Marshal(rec)
}

func DecodeBuffer(data []byte) (*Buffer, error) {
	var rec bufferRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	buf, err := NewBuffer(rec.Capacity)
	if err != nil {
		return nil, err
	}
	for _, s := range rec.Samples {
		if err := buf.Push(Sample{Timestamp: s.T, Price: new(uint256.Int).SetBytes(s.P)}); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
