package ledger

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"DualToken-Engine/internal/amount"
)

// Operation 标识一条交易记录的类型。
type Operation string

const (
	OpMint     Operation = "mint"
	OpTransfer Operation = "transfer"
	OpBurn     Operation = "burn"
	// OpMove 是模块间的系统划转，不收取销毁费。
	OpMove Operation = "move"
)

// Transaction 是不可变的账本记录。PayloadHash 只覆盖调用方输入，用于重放检测；
// Hash 额外覆盖序号与上一条记录的哈希，构成可审计的哈希链。
type Transaction struct {
	Seq         uint64        `json:"seq"`
	Kind        TokenKind     `json:"kind"`
	Op          Operation     `json:"op"`
	From        string        `json:"from,omitempty"`
	To          string        `json:"to,omitempty"`
	Amount      amount.Amount `json:"amount"`
	Burned      amount.Amount `json:"burned"`
	Delivered   amount.Amount `json:"delivered"`
	Reference   string        `json:"reference"`
	PayloadHash common.Hash   `json:"payload_hash"`
	PrevHash    common.Hash   `json:"prev_hash"`
	Hash        common.Hash   `json:"hash"`
	Timestamp   time.Time     `json:"timestamp"`
}

// BalanceRow 是一次交易后需要持久化的余额快照。
type BalanceRow struct {
	Account string        `json:"account"`
	Kind    TokenKind     `json:"kind"`
	Amount  amount.Amount `json:"amount"`
}

// payloadHash 计算请求内容的 Keccak-256 哈希，字段之间以 0 字节分隔避免拼接歧义。
func payloadHash(kind TokenKind, op Operation, from, to string, amt amount.Amount, reference string) common.Hash {
	parts := [][]byte{
		[]byte(kind), {0},
		[]byte(op), {0},
		[]byte(from), {0},
		[]byte(to), {0},
		[]byte(amt.String()), {0},
		[]byte(reference),
	}
	return crypto.Keccak256Hash(parts...)
}

func contentHash(payload common.Hash, seq uint64, prev common.Hash) common.Hash {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return crypto.Keccak256Hash(payload.Bytes(), seqBytes[:], prev.Bytes())
}

// VerifyChain 校验一段连续记录的哈希链是否完整。
func VerifyChain(txs []Transaction) bool {
	for i, tx := range txs {
		if payloadHash(tx.Kind, tx.Op, tx.From, tx.To, tx.Amount, tx.Reference) != tx.PayloadHash {
			return false
		}
		if contentHash(tx.PayloadHash, tx.Seq, tx.PrevHash) != tx.Hash {
			return false
		}
		if i > 0 && (txs[i-1].Hash != tx.PrevHash || txs[i-1].Seq+1 != tx.Seq) {
			return false
		}
	}
	return true
}
