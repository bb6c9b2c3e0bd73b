package execution

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/pkg/logger"
)

// ChainConfig 描述链上执行所需的 RPC 参数。
type ChainConfig struct {
	RPCURL string
	// ChainID 非零时校验节点与交易的链 ID。
	ChainID int64
	// WaitReceipt 为 true 时等待交易上链并检查执行状态。
	WaitReceipt  bool
	PollInterval time.Duration
}

// ChainBackend 是链上执行依赖的最小 RPC 能力，ethclient.Client 满足该接口。
type ChainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Chain 把载荷视为已签名的 EVM 交易并广播。
// 载荷可以是交易的二进制编码，也可以是 0x 开头的十六进制文本。
type Chain struct {
	backend  ChainBackend
	chainID  *big.Int
	wait     bool
	interval time.Duration
	closer   func()
}

// DialChain 连接 RPC 节点。
func DialChain(ctx context.Context, cfg ChainConfig) (*Chain, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "execution rpc url is required")
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "dial execution rpc")
	}
	c := NewChain(client, cfg)
	c.closer = client.Close
	if c.chainID != nil {
		remote, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "query chain id")
		}
		if remote.Cmp(c.chainID) != 0 {
			client.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "rpc chain id mismatch",
				xerrors.WithParams("configured", c.chainID.String(), "remote", remote.String()))
		}
	}
	return c, nil
}

// NewChain 使用已有的后端构造执行方。
func NewChain(backend ChainBackend, cfg ChainConfig) *Chain {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	c := &Chain{backend: backend, wait: cfg.WaitReceipt, interval: interval}
	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c
}

// DecodeTransaction 解析载荷中的已签名交易。
func DecodeTransaction(payload []byte) (*types.Transaction, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "empty transaction payload")
	}
	if bytes.HasPrefix(raw, []byte("0x")) || bytes.HasPrefix(raw, []byte("0X")) {
		decoded, err := hexutil.Decode(strings.ToLower(string(raw)))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode transaction hex")
		}
		raw = decoded
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode transaction")
	}
	return tx, nil
}

// Apply 广播交易，开启 WaitReceipt 时等待回执并要求执行成功。
func (c *Chain) Apply(ctx context.Context, proposalID string, payload []byte) error {
	tx, err := DecodeTransaction(payload)
	if err != nil {
		return err
	}
	if c.chainID != nil && tx.ChainId().Sign() != 0 && tx.ChainId().Cmp(c.chainID) != 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction chain id mismatch",
			xerrors.WithParams("proposal_id", proposalID, "tx_chain_id", tx.ChainId().String(), "chain_id", c.chainID.String()))
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("send transaction %s: %w", tx.Hash().Hex(), err)
	}
	logger.Audit().Info("proposal transaction broadcast",
		slog.String("proposal_id", proposalID),
		slog.String("tx_hash", tx.Hash().Hex()),
	)
	if !c.wait {
		return nil
	}
	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted in block %s", tx.Hash().Hex(), receipt.BlockNumber)
	}
	return nil
}

func (c *Chain) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close 释放 RPC 连接。
func (c *Chain) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}
