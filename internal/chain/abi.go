package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

const poolABIJSON = `[
	{
		"name": "observe",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "secondsAgos", "type": "uint32[]"}],
		"outputs": [
			{"name": "tickCumulatives", "type": "int56[]"},
			{"name": "secondsPerLiquidityCumulativeX128s", "type": "uint160[]"}
		]
	}
]`

const positionManagerABIJSON = `[
	{
		"name": "mint",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [{
			"name": "params",
			"type": "tuple",
			"components": [
				{"name": "token0", "type": "address"},
				{"name": "token1", "type": "address"},
				{"name": "fee", "type": "uint24"},
				{"name": "tickLower", "type": "int24"},
				{"name": "tickUpper", "type": "int24"},
				{"name": "amount0Desired", "type": "uint256"},
				{"name": "amount1Desired", "type": "uint256"},
				{"name": "amount0Min", "type": "uint256"},
				{"name": "amount1Min", "type": "uint256"},
				{"name": "recipient", "type": "address"},
				{"name": "deadline", "type": "uint256"}
			]
		}],
		"outputs": [
			{"name": "tokenId", "type": "uint256"},
			{"name": "liquidity", "type": "uint128"},
			{"name": "amount0", "type": "uint256"},
			{"name": "amount1", "type": "uint256"}
		]
	},
	{
		"name": "increaseLiquidity",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [{
			"name": "params",
			"type": "tuple",
			"components": [
				{"name": "tokenId", "type": "uint256"},
				{"name": "amount0Desired", "type": "uint256"},
				{"name": "amount1Desired", "type": "uint256"},
				{"name": "amount0Min", "type": "uint256"},
				{"name": "amount1Min", "type": "uint256"},
				{"name": "deadline", "type": "uint256"}
			]
		}],
		"outputs": [
			{"name": "liquidity", "type": "uint128"},
			{"name": "amount0", "type": "uint256"},
			{"name": "amount1", "type": "uint256"}
		]
	},
	{
		"name": "decreaseLiquidity",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [{
			"name": "params",
			"type": "tuple",
			"components": [
				{"name": "tokenId", "type": "uint256"},
				{"name": "liquidity", "type": "uint128"},
				{"name": "amount0Min", "type": "uint256"},
				{"name": "amount1Min", "type": "uint256"},
				{"name": "deadline", "type": "uint256"}
			]
		}],
		"outputs": [
			{"name": "amount0", "type": "uint256"},
			{"name": "amount1", "type": "uint256"}
		]
	},
	{
		"name": "collect",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [{
			"name": "params",
			"type": "tuple",
			"components": [
				{"name": "tokenId", "type": "uint256"},
				{"name": "recipient", "type": "address"},
				{"name": "amount0Max", "type": "uint128"},
				{"name": "amount1Max", "type": "uint128"}
			]
		}],
		"outputs": [
			{"name": "amount0", "type": "uint256"},
			{"name": "amount1", "type": "uint256"}
		]
	},
	{
		"name": "burn",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": []
	},
	{
		"name": "transferFrom",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "IncreaseLiquidity",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "liquidity", "type": "uint128", "indexed": false},
			{"name": "amount0", "type": "uint256", "indexed": false},
			{"name": "amount1", "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "DecreaseLiquidity",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "liquidity", "type": "uint128", "indexed": false},
			{"name": "amount0", "type": "uint256", "indexed": false},
			{"name": "amount1", "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "Collect",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "tokenId", "type": "uint256", "indexed": true},
			{"name": "recipient", "type": "address", "indexed": false},
			{"name": "amount0", "type": "uint256", "indexed": false},
			{"name": "amount1", "type": "uint256", "indexed": false}
		]
	}
]`

const erc20ABIJSON = `[
	{
		"name": "transfer",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

var (
	poolABI            = mustABI(poolABIJSON)
	positionManagerABI = mustABI(positionManagerABIJSON)
	erc20ABI           = mustABI(erc20ABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: abi parse: " + err.Error())
	}
	return parsed
}
