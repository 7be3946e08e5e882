package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/x402labs/x402-go"
)

// Facilitator implements verification and settlement of exact-scheme EVM
// payments. Verification is read-only; settlement submits
// transferWithAuthorization and waits for the receipt.
type Facilitator struct {
	signer FacilitatorSigner
}

func NewFacilitator(signer FacilitatorSigner) *Facilitator {
	return &Facilitator{signer: signer}
}

func (f *Facilitator) Scheme() string {
	return SchemeExact
}

func invalid(reason string) x402.VerifyResponse {
	return x402.VerifyResponse{IsValid: false, InvalidReason: reason}
}

// Verify checks the authorization against the requirements, the chain
// state (nonce, balance) and the EIP-712 signature. Rejections come back
// as IsValid=false with a reason; only chain access failures error.
func (f *Facilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(x402.ReasonUnsupportedScheme), nil
	}

	network := string(requirements.Network)
	config, err := GetNetworkConfig(network)
	if err != nil {
		return invalid(x402.ReasonUnsupportedNetwork), nil
	}
	assetInfo, err := GetAssetInfo(network, requirements.Asset)
	if err != nil {
		return invalid(x402.ReasonAssetMismatch), nil
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	if evmPayload.Signature == "" {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	auth := evmPayload.Authorization
	if !IsValidAddress(auth.From) || !IsValidAddress(auth.To) {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalid(x402.ReasonRecipientMismatch), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	if value.Cmp(required) < 0 {
		return invalid(x402.ReasonAmountMismatch), nil
	}

	validAfter, ok1 := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, ok2 := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok1 || !ok2 {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	now := time.Now().Unix()
	if validBefore.Int64() <= now+SettleTimingBuffer || validAfter.Int64() > now {
		return invalid(x402.ReasonExpired), nil
	}

	used, err := f.nonceUsed(ctx, auth.From, auth.Nonce, assetInfo.Address)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to check nonce: %w", err)
	}
	if used {
		return invalid(x402.ReasonReplay), nil
	}

	balance, err := f.signer.GetBalance(ctx, auth.From, assetInfo.Address)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalid(x402.ReasonInsufficientFunds), nil
	}

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if version, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = version
		}
	}

	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signature) != 65 {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	message, err := authorizationMessage(auth)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           config.ChainID,
		VerifyingContract: assetInfo.Address,
	}
	valid, err := f.signer.VerifyTypedData(ctx, auth.From, domain, transferWithAuthorizationTypes, "TransferWithAuthorization", message, signature)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: auth.From}, nil
}

// Settle re-verifies and then submits transferWithAuthorization on-chain.
// Failures after submission report the transaction hash so callers can
// inspect the attempt.
func (f *Facilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verifyResp.IsValid {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Network:     requirements.Network,
		}, nil
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidPayload,
			Network:     requirements.Network,
		}, nil
	}
	auth := evmPayload.Authorization

	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonAssetMismatch,
			Network:     requirements.Network,
		}, nil
	}

	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signature) != 65 {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidSignature,
			Network:     requirements.Network,
		}, nil
	}
	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidPayload,
			Network:     requirements.Network,
		}, nil
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	txHash, err := f.signer.WriteContract(
		ctx,
		assetInfo.Address,
		TransferWithAuthorizationABI,
		FunctionTransferWithAuthorization,
		auth.From,
		auth.To,
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementSubmissionFailed,
			Network:     requirements.Network,
		}, nil
	}

	receipt, err := f.signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementTimeout,
			Transaction: txHash,
			Network:     requirements.Network,
		}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementSubmissionFailed,
			Transaction: txHash,
			Network:     requirements.Network,
		}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
		Payer:       auth.From,
	}, nil
}

func (f *Facilitator) nonceUsed(ctx context.Context, from, nonce, token string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil || len(nonceBytes) != 32 {
		return false, fmt.Errorf("invalid nonce: %s", nonce)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	result, err := f.signer.ReadContract(ctx, token, AuthorizationStateABI, FunctionAuthorizationState, from, nonce32)
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", result)
	}
	return used, nil
}
