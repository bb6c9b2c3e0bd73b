package execution

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	xerrors "DualToken-Engine/internal/errors"
)

func TestNewSelectsApplier(t *testing.T) {
	ctx := context.Background()

	a, closeFn, err := New(ctx, Config{})
	require.NoError(t, err)
	require.IsType(t, Noop{}, a)
	closeFn()
	require.NoError(t, a.Apply(ctx, "p-1", []byte("anything")))

	_, _, err = New(ctx, Config{Kind: KindWebhook})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, _, err = New(ctx, Config{Kind: "carrier-pigeon"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestWebhookApply(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" || r.Header.Get("Idempotency-Key") != "p-7" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	require.NoError(t, w.Apply(context.Background(), "p-7", []byte(`{"param":"apy","value":"0.1"}`)))
	require.Equal(t, "p-7", got.ProposalID)
	require.JSONEq(t, `{"param":"apy","value":"0.1"}`, string(got.Payload))
}

func TestWebhookApplyReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "parameter locked", http.StatusConflict)
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	err = w.Apply(context.Background(), "p-1", nil)
	require.ErrorContains(t, err, "409")
	require.ErrorContains(t, err, "parameter locked")
}

func TestWebhookApplyHonoursContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	w, err := NewWebhook(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = w.Apply(ctx, "p-1", nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func signedTransfer(t *testing.T, chainID *big.Int, nonce uint64) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       &common.Address{0x42},
		Value:    big.NewInt(1_000),
		Gas:      21_000,
		GasPrice: big.NewInt(10_000_000_000),
	})
	require.NoError(t, err)
	return tx, from
}

func TestDecodeTransactionAcceptsBinaryAndHex(t *testing.T) {
	tx, _ := signedTransfer(t, big.NewInt(1337), 0)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	decoded, err := DecodeTransaction(raw)
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), decoded.Hash())

	decoded, err = DecodeTransaction([]byte(" " + hexutil.Encode(raw) + "\n"))
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), decoded.Hash())

	_, err = DecodeTransaction(nil)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = DecodeTransaction([]byte("0xzz"))
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestChainApplyOnSimulatedBackend(t *testing.T) {
	chainID := big.NewInt(1337)
	tx, from := signedTransfer(t, chainID, 0)

	backend := simulated.NewBackend(types.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))},
	})
	t.Cleanup(func() { _ = backend.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				backend.Commit()
			}
		}
	}()

	applier := NewChain(backend.Client(), ChainConfig{ChainID: 1337, WaitReceipt: true, PollInterval: 10 * time.Millisecond})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, applier.Apply(ctx, "p-1", []byte(hexutil.Encode(raw))))

	receipt, err := backend.Client().TransactionReceipt(ctx, tx.Hash())
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestChainApplyRejectsForeignChain(t *testing.T) {
	tx, _ := signedTransfer(t, big.NewInt(5), 0)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	applier := NewChain(&revertingBackend{}, ChainConfig{ChainID: 1337})
	err = applier.Apply(context.Background(), "p-1", raw)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

type revertingBackend struct {
	sent []*types.Transaction
}

func (r *revertingBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (r *revertingBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	r.sent = append(r.sent, tx)
	return nil
}

func (r *revertingBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}, nil
}

func TestChainApplyReportsRevert(t *testing.T) {
	tx, _ := signedTransfer(t, big.NewInt(1337), 0)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	backend := &revertingBackend{}
	applier := NewChain(backend, ChainConfig{WaitReceipt: true, PollInterval: time.Millisecond})
	err = applier.Apply(context.Background(), "p-1", raw)
	require.ErrorContains(t, err, "reverted in block 9")
	require.Len(t, backend.sent, 1)
}
