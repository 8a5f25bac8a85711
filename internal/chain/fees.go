package chain

import (
	"context"
	"errors"
	"math/big"
)

type FeeOracle struct {
	backend Backend
}

func NewFeeOracle(backend Backend) *FeeOracle {
	return &FeeOracle{backend: backend}
}

func (f *FeeOracle) BaseFee(ctx context.Context) (*big.Int, error) {
	head, err := f.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if head.BaseFee == nil {
		return nil, errors.New("chain has no base fee")
	}
	return new(big.Int).Set(head.BaseFee), nil
}

func (f *FeeOracle) TipCap(ctx context.Context) (*big.Int, error) {
	return f.backend.SuggestGasTipCap(ctx)
}
