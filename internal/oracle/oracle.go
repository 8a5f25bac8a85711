package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrUnavailable wraps every oracle failure. Callers must skip the pool
// instead of substituting a price.
var ErrUnavailable = errors.New("twap unavailable")

type Mode string

const (
	ModeNative Mode = "native"
	ModeLocal  Mode = "local"
)

func (m Mode) Valid() bool {
	return m == ModeNative || m == ModeLocal
}

type PoolRef struct {
	ID        string
	Address   common.Address
	Decimals0 uint8
	Decimals1 uint8
	Mode      Mode
}

type Source interface {
	TWAP(ctx context.Context, pool PoolRef, window time.Duration) (*uint256.Int, error)
	Spot(ctx context.Context, pool PoolRef) (*uint256.Int, error)
}

func unavailable(pool string, err error) error {
	return fmt.Errorf("%w: pool %s: %v", ErrUnavailable, pool, err)
}

type Router struct {
	native Source
	local  Source
}

func NewRouter(native, local Source) *Router {
	return &Router{native: native, local: local}
}

func (r *Router) source(pool PoolRef) (Source, error) {
	switch pool.Mode {
	case ModeNative:
		if r.native == nil {
			return nil, unavailable(pool.ID, errors.New("native source not configured"))
		}
		return r.native, nil
	case ModeLocal:
		if r.local == nil {
			return nil, unavailable(pool.ID, errors.New("local source not configured"))
		}
		return r.local, nil
	default:
		return nil, unavailable(pool.ID, fmt.Errorf("unknown mode %q", pool.Mode))
	}
}

func (r *Router) TWAP(ctx context.Context, pool PoolRef, window time.Duration) (*uint256.Int, error) {
	src, err := r.source(pool)
	if err != nil {
		return nil, err
	}
	return src.TWAP(ctx, pool, window)
}

func (r *Router) Spot(ctx context.Context, pool PoolRef) (*uint256.Int, error) {
	src, err := r.source(pool)
	if err != nil {
		return nil, err
	}
	return src.Spot(ctx, pool)
}

type WindowPrice struct {
	Window time.Duration
	Price  *uint256.Int
	Err    error
}

func TWAPs(ctx context.Context, src Source, pool PoolRef, windows ...time.Duration) []WindowPrice {
	out := make([]WindowPrice, 0, len(windows))
	for _, w := range windows {
		price, err := src.TWAP(ctx, pool, w)
		out = append(out, WindowPrice{Window: w, Price: price, Err: err})
	}
	return out
}
