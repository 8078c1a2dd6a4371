package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Standard gas limit for a plain value transfer
const transferGasLimit = uint64(21000)

// RecipientAddressKey is the request metadata key carrying the seller's
// on-chain address
const RecipientAddressKey = "recipient_address"

// ethBackend is the slice of ethclient the rail uses, extracted so tests can
// substitute a fake node
type ethBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// LedgerRail settles payments as value transfers on an EVM chain. Charges
// are confirmed by polling for the transaction receipt rather than assuming
// immediate success.
type LedgerRail struct {
	rpcEndpoint    string
	privateKey     *ecdsa.PrivateKey
	fromAddress    common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	client         ethBackend
	log            *logger.Logger
}

// NewLedgerRail creates the on-chain rail from its config section. The rail
// stays usable but unconfigured when endpoint or key are missing.
func NewLedgerRail(cfg config.LedgerConfig) (*LedgerRail, error) {
	rail := &LedgerRail{
		rpcEndpoint:    cfg.RPCEndpoint,
		chainID:        big.NewInt(cfg.ChainID),
		confirmTimeout: cfg.ConfirmTimeout(),
		pollInterval:   2 * time.Second,
		log:            logger.New().WithComponent("ledger"),
	}
	if rail.confirmTimeout <= 0 {
		rail.confirmTimeout = 60 * time.Second
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, types.NewConfigError("failed to parse ledger private key")
		}
		rail.privateKey = key
		rail.fromAddress = crypto.PubkeyToAddress(key.PublicKey)
	}
	return rail, nil
}

// Method returns the payment method this rail serves
func (l *LedgerRail) Method() types.PaymentMethod {
	return types.PaymentMethodLedger
}

// Configured reports whether the rail can sign and send
func (l *LedgerRail) Configured() bool {
	return l.rpcEndpoint != "" && l.privateKey != nil
}

// backend returns the RPC client, dialing lazily on first use
func (l *LedgerRail) backend() (ethBackend, error) {
	if l.client != nil {
		return l.client, nil
	}
	client, err := ethclient.Dial(l.rpcEndpoint)
	if err != nil {
		return nil, types.NewTransientError("ledger rpc dial", err)
	}
	l.client = client
	return l.client, nil
}

// Charge signs and sends a value transfer to the recipient named in the
// request metadata, then polls for the receipt. Result is Succeeded once the
// receipt confirms, Failed if the transaction reverted.
func (l *LedgerRail) Charge(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if !l.Configured() {
		return nil, types.NewConfigError("ledger rail is not configured")
	}
	recipient, ok := req.Metadata[RecipientAddressKey]
	if !ok || !common.IsHexAddress(recipient) {
		return nil, types.NewValidationError(RecipientAddressKey, "a valid recipient address is required for ledger settlement")
	}

	client, err := l.backend()
	if err != nil {
		return nil, err
	}

	nonce, err := client.PendingNonceAt(ctx, l.fromAddress)
	if err != nil {
		return nil, types.NewTransientError("ledger nonce query", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, types.NewTransientError("ledger gas price query", err)
	}

	tx := ethtypes.NewTransaction(
		nonce,
		common.HexToAddress(recipient),
		amountToWei(req.Amount),
		transferGasLimit,
		gasPrice,
		nil,
	)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return nil, types.NewPaymentError("failed to sign ledger transaction")
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, types.NewTransientError("ledger transaction send", err)
	}

	txHash := signedTx.Hash()
	createdAt := time.Now()
	l.log.Infof("sent %.2f %s as tx %s, awaiting confirmation", req.Amount, req.Currency, txHash.Hex())

	receipt, err := l.awaitReceipt(ctx, client, txHash)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := &PaymentResult{
		PaymentID:     txHash.Hex(),
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CreatedAt:     createdAt,
		CompletedAt:   &now,
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		result.Success = true
		result.Status = StatusSucceeded
	} else {
		result.Status = StatusFailed
		result.ErrorMessage = "transaction reverted"
	}
	return result, nil
}

// awaitReceipt polls for the transaction receipt until the confirmation
// timeout lapses
func (l *LedgerRail) awaitReceipt(ctx context.Context, client ethBackend, txHash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.NewTransientError("ledger confirmation wait", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Refund is not supported as an in-place operation on chain; reversals are
// issued as a fresh transfer in the opposite direction by the caller
func (l *LedgerRail) Refund(_ context.Context, paymentID string) (*PaymentResult, error) {
	return nil, types.NewPaymentError(fmt.Sprintf("ledger payment %s cannot be reversed in place; issue a reverse transfer", paymentID))
}

// Status looks up the receipt for a previously sent transaction
func (l *LedgerRail) Status(ctx context.Context, paymentID string) (PaymentStatus, error) {
	if !l.Configured() {
		return "", types.NewConfigError("ledger rail is not configured")
	}
	client, err := l.backend()
	if err != nil {
		return "", err
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(paymentID))
	if err != nil {
		return StatusProcessing, nil
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return StatusSucceeded, nil
	}
	return StatusFailed, nil
}

// ValidateWebhook always fails: chain state is confirmed by receipt polling,
// not processor callbacks
func (l *LedgerRail) ValidateWebhook(_ []byte, _ string) bool {
	return false
}

// amountToWei converts a decimal amount into wei
func amountToWei(amount float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18))
	out, _ := wei.Int(nil)
	return out
}
