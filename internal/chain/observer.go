package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type PoolObserver struct {
	backend Backend
}

func NewPoolObserver(backend Backend) *PoolObserver {
	return &PoolObserver{backend: backend}
}

func (p *PoolObserver) Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error) {
	data, err := poolABI.Pack("observe", secondsAgos)
	if err != nil {
		return nil, fmt.Errorf("pack observe: %w", err)
	}
	out, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := poolABI.Unpack("observe", out)
	if err != nil {
		return nil, fmt.Errorf("unpack observe: %w", err)
	}
	if len(vals) == 0 {
		return nil, errors.New("observe returned nothing")
	}
	ticks, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected observe type %T", vals[0])
	}
	if len(ticks) != len(secondsAgos) {
		return nil, fmt.Errorf("observe returned %d values for %d ages", len(ticks), len(secondsAgos))
	}
	return ticks, nil
}
