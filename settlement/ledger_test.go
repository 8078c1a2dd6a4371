package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Hardhat default account #0, test-only
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// fakeEthBackend simulates a node that confirms after a set number of
// receipt polls
type fakeEthBackend struct {
	pollsUntilReceipt int
	receiptStatus     uint64
	sent              []*ethtypes.Transaction
	polls             int
}

func (f *fakeEthBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeEthBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.polls++
	if f.polls < f.pollsUntilReceipt {
		return nil, ethereum.NotFound
	}
	return &ethtypes.Receipt{Status: f.receiptStatus, TxHash: txHash}, nil
}

func newTestLedger(t *testing.T, backend ethBackend) *LedgerRail {
	t.Helper()
	rail, err := NewLedgerRail(config.LedgerConfig{
		RPCEndpoint:        "http://localhost:8545",
		PrivateKey:         testPrivateKey,
		ChainID:            31337,
		ConfirmTimeoutSecs: 2,
	})
	if err != nil {
		t.Fatalf("new ledger rail: %v", err)
	}
	rail.client = backend
	rail.pollInterval = time.Millisecond
	return rail
}

func ledgerRequest() *PaymentRequest {
	return &PaymentRequest{
		TransactionID: uuid.New(),
		BuyerID:       uuid.New(),
		SellerID:      uuid.New(),
		Amount:        1.5,
		Currency:      "ETH",
		PaymentMethod: types.PaymentMethodLedger,
		Metadata: map[string]string{
			RecipientAddressKey: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
	}
}

// TestLedgerChargeConfirmsViaReceipt tests sign, send and receipt polling
func TestLedgerChargeConfirmsViaReceipt(t *testing.T) {
	backend := &fakeEthBackend{pollsUntilReceipt: 3, receiptStatus: ethtypes.ReceiptStatusSuccessful}
	rail := newTestLedger(t, backend)

	result, err := rail.Charge(context.Background(), ledgerRequest())
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !result.Success || result.Status != StatusSucceeded {
		t.Errorf("Expected succeeded, got %+v", result)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("Expected one sent transaction, got %d", len(backend.sent))
	}

	tx := backend.sent[0]
	if tx.Nonce() != 7 {
		t.Errorf("Expected pending nonce 7, got %d", tx.Nonce())
	}
	wantValue := amountToWei(1.5)
	if tx.Value().Cmp(wantValue) != 0 {
		t.Errorf("Expected value %s wei, got %s", wantValue, tx.Value())
	}
	if result.PaymentID != tx.Hash().Hex() {
		t.Errorf("Expected payment id to be the tx hash")
	}
}

// TestLedgerChargeReportsRevert tests the failed-receipt path
func TestLedgerChargeReportsRevert(t *testing.T) {
	backend := &fakeEthBackend{pollsUntilReceipt: 1, receiptStatus: ethtypes.ReceiptStatusFailed}
	rail := newTestLedger(t, backend)

	result, err := rail.Charge(context.Background(), ledgerRequest())
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Success || result.Status != StatusFailed {
		t.Errorf("Expected failed result for reverted tx, got %+v", result)
	}
}

// TestLedgerChargeTimesOutAsTransient tests the bounded confirmation wait
func TestLedgerChargeTimesOutAsTransient(t *testing.T) {
	backend := &fakeEthBackend{pollsUntilReceipt: 1 << 30, receiptStatus: ethtypes.ReceiptStatusSuccessful}
	rail := newTestLedger(t, backend)
	rail.confirmTimeout = 20 * time.Millisecond

	_, err := rail.Charge(context.Background(), ledgerRequest())
	if !types.IsTransient(err) {
		t.Errorf("Expected transient error on confirmation timeout, got %v", err)
	}
}

// TestLedgerChargeRequiresRecipient tests metadata validation
func TestLedgerChargeRequiresRecipient(t *testing.T) {
	rail := newTestLedger(t, &fakeEthBackend{pollsUntilReceipt: 1, receiptStatus: 1})

	req := ledgerRequest()
	delete(req.Metadata, RecipientAddressKey)
	if _, err := rail.Charge(context.Background(), req); !types.IsValidation(err) {
		t.Errorf("Expected validation error without recipient, got %v", err)
	}

	req = ledgerRequest()
	req.Metadata[RecipientAddressKey] = "not-an-address"
	if _, err := rail.Charge(context.Background(), req); !types.IsValidation(err) {
		t.Errorf("Expected validation error for malformed recipient, got %v", err)
	}
}

// TestLedgerConfigured tests the capability gates
func TestLedgerConfigured(t *testing.T) {
	rail, err := NewLedgerRail(config.LedgerConfig{ChainID: 1})
	if err != nil {
		t.Fatalf("new ledger rail: %v", err)
	}
	if rail.Configured() {
		t.Errorf("Expected unconfigured rail without endpoint and key")
	}
	if _, err := rail.Charge(context.Background(), ledgerRequest()); types.KindOf(err) != types.KindConfig {
		t.Errorf("Expected config error, got %v", err)
	}

	if _, err := NewLedgerRail(config.LedgerConfig{PrivateKey: "zz"}); err == nil {
		t.Errorf("Expected error for malformed private key")
	}
}
