// Package onchain executes CTF mergePositions on Polygon: equal amounts of a
// market's two complementary tokens are burned and the collateral comes back
// as USDC. Only plain binary markets qualify; neg-risk markets settle through
// an adapter this agent does not drive.
package onchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	usdcAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174" // USDC.e on Polygon
	ctfAddress  = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045" // ConditionalTokens

	mergeGasLimit  = 300_000
	receiptTimeout = 2 * time.Minute
	receiptPoll    = 3 * time.Second
)

const ctfABI = `[{
	"name": "mergePositions",
	"type": "function",
	"inputs": [
		{"name": "collateralToken", "type": "address"},
		{"name": "parentCollectionId", "type": "bytes32"},
		{"name": "conditionId", "type": "bytes32"},
		{"name": "partition", "type": "uint256[]"},
		{"name": "amount", "type": "uint256"}
	],
	"outputs": []
}]`

// Merger sends mergePositions transactions and waits for their receipts.
type Merger struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	ctf        abi.ABI
	dryRun     bool
	logger     *slog.Logger
}

func NewMerger(rpcURL, privateKeyHex string, chainID int64, dryRun bool, logger *slog.Logger) (*Merger, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial polygon rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(ctfABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}

	return &Merger{
		client:     client,
		privateKey: privateKey,
		from:       crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
		ctf:        parsed,
		dryRun:     dryRun,
		logger:     logger.With("component", "merger"),
	}, nil
}

// MergePositions burns `shares` of both outcome tokens of a condition and
// recovers the USDC collateral. Blocks until the transaction is mined.
func (m *Merger) MergePositions(ctx context.Context, conditionID string, shares float64) (string, error) {
	if m.dryRun {
		m.logger.Info("DRY-RUN: would merge positions",
			"condition_id", conditionID, "shares", shares)
		return "dry-run", nil
	}

	condition, err := hexToBytes32(conditionID)
	if err != nil {
		return "", fmt.Errorf("parse condition id: %w", err)
	}

	// shares -> 1e6 micro-shares, truncated
	amount := new(big.Int).SetInt64(int64(shares * 1e6))
	partition := []*big.Int{big.NewInt(1), big.NewInt(2)} // YES | NO

	data, err := m.ctf.Pack("mergePositions",
		common.HexToAddress(usdcAddress),
		[32]byte{}, // parent collection: root
		condition,
		partition,
		amount,
	)
	if err != nil {
		return "", fmt.Errorf("pack mergePositions: %w", err)
	}

	nonce, err := m.client.PendingNonceAt(ctx, m.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	// 20% buffer so the tx is not stuck behind a fee spike
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(120)), big.NewInt(100))

	to := common.HexToAddress(ctfAddress)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      mergeGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(m.chainID), m.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}

	if err := m.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	hash := signed.Hash()
	m.logger.Info("merge transaction sent",
		"condition_id", conditionID, "shares", shares, "tx", hash.Hex())

	if err := m.waitForReceipt(ctx, hash); err != nil {
		return hash.Hex(), err
	}
	return hash.Hex(), nil
}

// Close releases the RPC connection.
func (m *Merger) Close() {
	m.client.Close()
}

func (m *Merger) waitForReceipt(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(receiptTimeout)
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := m.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("merge tx %s reverted", hash.Hex())
			}
			m.logger.Info("merge confirmed", "tx", hash.Hex(), "block", receipt.BlockNumber)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("merge tx %s not mined within %s", hash.Hex(), receiptTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(s)
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
