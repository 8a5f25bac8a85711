package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"lp-rebalance-bot/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Observer interface {
	Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error)
}

// spotWindow is the averaging span used as the pool's current price.
const spotWindow = time.Second

type NativeSource struct {
	observer Observer
	timeout  time.Duration
}

func NewNativeSource(observer Observer, timeout time.Duration) *NativeSource {
	return &NativeSource{observer: observer, timeout: timeout}
}

func (n *NativeSource) TWAP(ctx context.Context, pool PoolRef, window time.Duration) (*uint256.Int, error) {
	secs := int64(window / time.Second)
	if secs <= 0 || secs > math.MaxUint32 {
		return nil, unavailable(pool.ID, fmt.Errorf("window %s out of range", window))
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	cumulatives, err := n.observer.Observe(ctx, pool.Address, []uint32{uint32(secs), 0})
	if err != nil {
		return nil, unavailable(pool.ID, err)
	}
	tick, err := AverageTick(cumulatives, secs)
	if err != nil {
		return nil, unavailable(pool.ID, err)
	}
	price, err := fixedpoint.PriceAtTick(tick, pool.Decimals0, pool.Decimals1)
	if err != nil {
		return nil, unavailable(pool.ID, err)
	}
	return price, nil
}

func (n *NativeSource) Spot(ctx context.Context, pool PoolRef) (*uint256.Int, error) {
	return n.TWAP(ctx, pool, spotWindow)
}

func AverageTick(cumulatives []*big.Int, window int64) (int64, error) {
	if len(cumulatives) != 2 || cumulatives[0] == nil || cumulatives[1] == nil {
		return 0, errors.New("insufficient observations")
	}
	if window <= 0 {
		return 0, errors.New("window must be > 0")
	}
	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	w := big.NewInt(window)
	q, r := new(big.Int).QuoRem(delta, w, new(big.Int))
	if delta.Sign() < 0 && r.Sign() != 0 {
		q.Sub(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, fixedpoint.ErrOverflow
	}
	return fixedpoint.ClampTick(q.Int64()), nil
}
