package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"lp-rebalance-bot/internal/exec"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	defaultGasBufferPct = 20
	defaultReceiptPoll  = 3 * time.Second
	defaultDeadline     = 10 * time.Minute
)

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

type PoolTokens struct {
	Token0 common.Address
	Token1 common.Address
}

type ManagerConfig struct {
	Address      common.Address
	ChainID      *big.Int
	PrivateKey   string
	Pools        map[string]PoolTokens
	GasBufferPct uint64
	ReceiptPoll  time.Duration
	Deadline     time.Duration
}

// PositionManager submits position manager and token transactions from one
// wallet. The wallet holds every minted handle.
type PositionManager struct {
	backend Backend
	cfg     ManagerConfig
	key     *ecdsa.PrivateKey
	from    common.Address
	log     *zap.Logger
	now     func() time.Time

	// mu serializes submissions so pending nonces never collide.
	mu sync.Mutex
}

func NewPositionManager(backend Backend, cfg ManagerConfig, log *zap.Logger) (*PositionManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("position manager address is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if cfg.GasBufferPct == 0 {
		cfg.GasBufferPct = defaultGasBufferPct
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	return &PositionManager{
		backend: backend,
		cfg:     cfg,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
		now:     time.Now,
	}, nil
}

func (m *PositionManager) From() common.Address { return m.from }

type mintArgs struct {
	Token0         common.Address
	Token1         common.Address
	Fee            *big.Int
	TickLower      *big.Int
	TickUpper      *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Recipient      common.Address
	Deadline       *big.Int
}

type increaseArgs struct {
	TokenId        *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Deadline       *big.Int
}

type decreaseArgs struct {
	TokenId    *big.Int
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Deadline   *big.Int
}

type collectArgs struct {
	TokenId    *big.Int
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

type liquidityEvent struct {
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

type collectEvent struct {
	Recipient common.Address
	Amount0   *big.Int
	Amount1   *big.Int
}

func (m *PositionManager) Mint(ctx context.Context, p exec.MintParams) (exec.MintResult, error) {
	tokens, ok := m.cfg.Pools[p.PoolID]
	if !ok {
		return exec.MintResult{}, fmt.Errorf("no token pair configured for pool %s", p.PoolID)
	}
	data, err := positionManagerABI.Pack("mint", mintArgs{
		Token0:         tokens.Token0,
		Token1:         tokens.Token1,
		Fee:            new(big.Int).SetUint64(uint64(p.FeeTier)),
		TickLower:      big.NewInt(p.TickLower),
		TickUpper:      big.NewInt(p.TickUpper),
		Amount0Desired: orZero(p.Amount0Desired),
		Amount1Desired: orZero(p.Amount1Desired),
		Amount0Min:     new(big.Int),
		Amount1Min:     new(big.Int),
		Recipient:      m.from,
		Deadline:       m.deadline(p.Deadline),
	})
	if err != nil {
		return exec.MintResult{}, fmt.Errorf("pack mint: %w", err)
	}
	receipt, err := m.submit(ctx, m.cfg.Address, data)
	if err != nil {
		return exec.MintResult{}, err
	}
	tokenID, ev, err := m.liquidityLog(receipt, "IncreaseLiquidity")
	if err != nil {
		return exec.MintResult{}, err
	}
	out := exec.MintResult{Receipt: toReceipt(receipt), Handle: tokenID.String(), Liquidity: ev.Liquidity}
	out.Amount0, out.Amount1 = ev.Amount0, ev.Amount1
	return out, nil
}

func (m *PositionManager) IncreaseLiquidity(ctx context.Context, handle string, amount0, amount1 *big.Int, deadline time.Time) (exec.MintResult, error) {
	tokenID, err := parseHandle(handle)
	if err != nil {
		return exec.MintResult{}, err
	}
	data, err := positionManagerABI.Pack("increaseLiquidity", increaseArgs{
		TokenId:        tokenID,
		Amount0Desired: orZero(amount0),
		Amount1Desired: orZero(amount1),
		Amount0Min:     new(big.Int),
		Amount1Min:     new(big.Int),
		Deadline:       m.deadline(deadline),
	})
	if err != nil {
		return exec.MintResult{}, fmt.Errorf("pack increaseLiquidity: %w", err)
	}
	receipt, err := m.submit(ctx, m.cfg.Address, data)
	if err != nil {
		return exec.MintResult{}, err
	}
	_, ev, err := m.liquidityLog(receipt, "IncreaseLiquidity")
	if err != nil {
		return exec.MintResult{}, err
	}
	out := exec.MintResult{Receipt: toReceipt(receipt), Handle: handle, Liquidity: ev.Liquidity}
	out.Amount0, out.Amount1 = ev.Amount0, ev.Amount1
	return out, nil
}

func (m *PositionManager) DecreaseLiquidity(ctx context.Context, handle string, liquidity *big.Int, deadline time.Time) (exec.Receipt, error) {
	tokenID, err := parseHandle(handle)
	if err != nil {
		return exec.Receipt{}, err
	}
	if liquidity == nil || liquidity.Sign() == 0 {
		return exec.Receipt{Amount0: new(big.Int), Amount1: new(big.Int)}, nil
	}
	data, err := positionManagerABI.Pack("decreaseLiquidity", decreaseArgs{
		TokenId:    tokenID,
		Liquidity:  liquidity,
		Amount0Min: new(big.Int),
		Amount1Min: new(big.Int),
		Deadline:   m.deadline(deadline),
	})
	if err != nil {
		return exec.Receipt{}, fmt.Errorf("pack decreaseLiquidity: %w", err)
	}
	receipt, err := m.submit(ctx, m.cfg.Address, data)
	if err != nil {
		return exec.Receipt{}, err
	}
	_, ev, err := m.liquidityLog(receipt, "DecreaseLiquidity")
	if err != nil {
		return exec.Receipt{}, err
	}
	out := toReceipt(receipt)
	out.Amount0, out.Amount1 = ev.Amount0, ev.Amount1
	return out, nil
}

func (m *PositionManager) Collect(ctx context.Context, handle string) (exec.Receipt, error) {
	tokenID, err := parseHandle(handle)
	if err != nil {
		return exec.Receipt{}, err
	}
	data, err := positionManagerABI.Pack("collect", collectArgs{
		TokenId:    tokenID,
		Recipient:  m.from,
		Amount0Max: maxUint128,
		Amount1Max: maxUint128,
	})
	if err != nil {
		return exec.Receipt{}, fmt.Errorf("pack collect: %w", err)
	}
	receipt, err := m.submit(ctx, m.cfg.Address, data)
	if err != nil {
		return exec.Receipt{}, err
	}
	out := toReceipt(receipt)
	ev := positionManagerABI.Events["Collect"]
	for _, lg := range receipt.Logs {
		if lg.Address != m.cfg.Address || len(lg.Topics) < 2 || lg.Topics[0] != ev.ID {
			continue
		}
		var decoded collectEvent
		if err := positionManagerABI.UnpackIntoInterface(&decoded, "Collect", lg.Data); err != nil {
			return exec.Receipt{}, fmt.Errorf("decode Collect: %w", err)
		}
		out.Amount0, out.Amount1 = decoded.Amount0, decoded.Amount1
		return out, nil
	}
	out.Amount0, out.Amount1 = new(big.Int), new(big.Int)
	return out, nil
}

func (m *PositionManager) Burn(ctx context.Context, handle string) (exec.Receipt, error) {
	tokenID, err := parseHandle(handle)
	if err != nil {
		return exec.Receipt{}, err
	}
	data, err := positionManagerABI.Pack("burn", tokenID)
	if err != nil {
		return exec.Receipt{}, fmt.Errorf("pack burn: %w", err)
	}
	receipt, err := m.submit(ctx, m.cfg.Address, data)
	if err != nil {
		return exec.Receipt{}, err
	}
	return toReceipt(receipt), nil
}

func (m *PositionManager) Transfer(ctx context.Context, handle, to string) (exec.Receipt, error) {
	tokenID, err := parseHandle(handle)
	if err != nil {
		return exec.Receipt{}, err
	}
	recipient, err := parseAddress(to)
	if err != nil {
		return exec.Receipt{}, err
	}
	data, err := positionManagerABI.Pack("transferFrom", m.from, recipient, tokenID)
	if err != nil {
		return exec.Receipt{}, fmt.Errorf("pack transferFrom: %w", err)
	}
	receipt, err := m.submit(ctx, m.cfg.Address, data)
	if err != nil {
		return exec.Receipt{}, err
	}
	return toReceipt(receipt), nil
}

func (m *PositionManager) Refund(ctx context.Context, poolID, to string, amount0, amount1 *big.Int) (exec.Receipt, error) {
	tokens, ok := m.cfg.Pools[poolID]
	if !ok {
		return exec.Receipt{}, fmt.Errorf("no token pair configured for pool %s", poolID)
	}
	recipient, err := parseAddress(to)
	if err != nil {
		return exec.Receipt{}, err
	}
	out := exec.Receipt{Amount0: new(big.Int), Amount1: new(big.Int)}
	legs := []struct {
		token  common.Address
		amount *big.Int
		dst    *big.Int
	}{
		{tokens.Token0, amount0, out.Amount0},
		{tokens.Token1, amount1, out.Amount1},
	}
	for _, leg := range legs {
		if leg.amount == nil || leg.amount.Sign() <= 0 {
			continue
		}
		data, err := erc20ABI.Pack("transfer", recipient, leg.amount)
		if err != nil {
			return out, fmt.Errorf("pack transfer: %w", err)
		}
		receipt, err := m.submit(ctx, leg.token, data)
		if err != nil {
			return out, err
		}
		leg.dst.Set(leg.amount)
		out.TxHash = receipt.TxHash.Hex()
		out.GasUsed += receipt.GasUsed
		out.EffectiveGasPrice = receipt.EffectiveGasPrice
	}
	return out, nil
}

func (m *PositionManager) submit(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, err := m.backend.PendingNonceAt(ctx, m.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := m.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip cap: %w", err)
	}
	head, err := m.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(orZero(head.BaseFee), big.NewInt(2)))

	gas, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      m.from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %v", exec.ErrReverted, err)
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * (100 + m.cfg.GasBufferPct) / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   m.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(m.cfg.ChainID), m.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %v", exec.ErrReverted, err)
		}
		return nil, fmt.Errorf("send tx: %w", err)
	}
	m.log.Info("transaction sent", zap.String("tx", signed.Hash().Hex()), zap.Uint64("nonce", nonce))

	receipt, err := m.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", exec.ErrReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

func (m *PositionManager) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if receipt, err := m.backend.TransactionReceipt(ctx, hash); err == nil {
		return receipt, nil
	}
	ticker := time.NewTicker(m.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := m.backend.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			return receipt, nil
		}
	}
}

func (m *PositionManager) liquidityLog(receipt *types.Receipt, name string) (*big.Int, liquidityEvent, error) {
	ev := positionManagerABI.Events[name]
	for _, lg := range receipt.Logs {
		if lg.Address != m.cfg.Address || len(lg.Topics) < 2 || lg.Topics[0] != ev.ID {
			continue
		}
		var decoded liquidityEvent
		if err := positionManagerABI.UnpackIntoInterface(&decoded, name, lg.Data); err != nil {
			return nil, liquidityEvent{}, fmt.Errorf("decode %s: %w", name, err)
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()), decoded, nil
	}
	return nil, liquidityEvent{}, fmt.Errorf("no %s event in %s", name, receipt.TxHash.Hex())
}

func (m *PositionManager) deadline(t time.Time) *big.Int {
	if t.IsZero() {
		t = m.now().Add(m.cfg.Deadline)
	}
	return big.NewInt(t.Unix())
}

func toReceipt(r *types.Receipt) exec.Receipt {
	return exec.Receipt{
		TxHash:            r.TxHash.Hex(),
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}
}

func parseHandle(handle string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(handle), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", handle)
	}
	return id, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
