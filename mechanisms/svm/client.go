package svm

import (
	"context"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/x402labs/x402-go"
)

// TransferParams describes one sponsored SPL payment.
type TransferParams struct {
	Payer           solana.PublicKey
	FeePayer        solana.PublicKey
	PayTo           solana.PublicKey
	Mint            solana.PublicKey
	Amount          uint64
	Decimals        uint8
	RecentBlockhash solana.Hash
}

// BuildPaymentTransaction assembles the canonical payment transaction:
// compute unit limit, compute unit price, then one TransferChecked from
// the payer's ATA to the recipient's ATA, with the facilitator as fee
// payer.
func BuildPaymentTransaction(params TransferParams) (*solana.Transaction, error) {
	sourceATA, _, err := solana.FindAssociatedTokenAddress(params.Payer, params.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source ATA: %w", err)
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(params.PayTo, params.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination ATA: %w", err)
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(PaymentComputeUnits).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(DefaultComputeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}
	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(params.Amount).
		SetDecimals(params.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(params.Mint).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(params.Payer).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(params.RecentBlockhash).
		SetFeePayer(params.FeePayer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	return tx, nil
}

// Client implements the payer side of the exact scheme for SVM networks.
// It builds a sponsored TransferChecked transaction and partially signs
// it; the facilitator adds the fee payer signature at settlement.
type Client struct {
	signer ClientSigner
	rpcURL string

	// Overridable for tests; defaults to an RPC blockhash fetch.
	recentBlockhash func(ctx context.Context, rpcURL string) (solana.Hash, error)
}

type ClientOption func(*Client)

// WithRPCURL overrides the cluster default RPC endpoint.
func WithRPCURL(url string) ClientOption {
	return func(c *Client) { c.rpcURL = url }
}

func NewClient(signer ClientSigner, opts ...ClientOption) *Client {
	c := &Client{
		signer:          signer,
		recentBlockhash: fetchRecentBlockhash,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Scheme() string {
	return SchemeExact
}

// CreatePaymentPayload builds, partially signs and encodes the payment
// transaction. The fee payer must be supplied by the facilitator in
// requirements.extra.
func (c *Client) CreatePaymentPayload(ctx context.Context, requirements x402.PaymentRequirements) (x402.PartialPaymentPayload, error) {
	network := string(requirements.Network)
	config, err := GetNetworkConfig(network)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}
	assetInfo, err := GetAssetInfo(network, requirements.Asset)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}

	amount, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}

	feePayerAddr, ok := "", false
	if requirements.Extra != nil {
		feePayerAddr, ok = requirements.Extra["feePayer"].(string)
	}
	if !ok || feePayerAddr == "" {
		return x402.PartialPaymentPayload{}, fmt.Errorf("feePayer is required in requirements.extra for Solana payments")
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerAddr)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid feePayer address: %w", err)
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid payTo address: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(assetInfo.Address)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid asset address: %w", err)
	}

	rpcURL := config.RPCURL
	if c.rpcURL != "" {
		rpcURL = c.rpcURL
	}
	blockhash, err := c.recentBlockhash(ctx, rpcURL)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	tx, err := BuildPaymentTransaction(TransferParams{
		Payer:           c.signer.Address(),
		FeePayer:        feePayer,
		PayTo:           payTo,
		Mint:            mint,
		Amount:          amount,
		Decimals:        uint8(assetInfo.Decimals),
		RecentBlockhash: blockhash,
	})
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}

	if err := c.signer.SignTransaction(ctx, tx); err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}
	payload := &Payload{Transaction: encoded}
	return x402.PartialPaymentPayload{Payload: payload.ToMap()}, nil
}

func fetchRecentBlockhash(ctx context.Context, rpcURL string) (solana.Hash, error) {
	client := rpc.New(rpcURL)
	result, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, err
	}
	return result.Value.Blockhash, nil
}
