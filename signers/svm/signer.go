// Package svm provides ready-made Solana signer implementations for the
// SVM payment mechanism: a client signer for payers and an RPC-backed
// facilitator signer that sponsors and submits transactions.
package svm

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SignTransactionFunc is the callback used to sign transactions. It lets
// callers plug in hardware wallets or remote signing services.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// ClientSigner signs payment transactions on the payer side.
type ClientSigner struct {
	publicKey solana.PublicKey
	sign      SignTransactionFunc
}

// NewClientSigner creates a client signer from a public key and a
// signing callback.
func NewClientSigner(publicKey solana.PublicKey, sign SignTransactionFunc) (*ClientSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if sign == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	return &ClientSigner{publicKey: publicKey, sign: sign}, nil
}

// NewClientSignerFromPrivateKey creates a client signer from a
// base58-encoded private key.
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	sign := func(ctx context.Context, tx *solana.Transaction) error {
		return signWithKey(privateKey, tx)
	}
	return NewClientSigner(privateKey.PublicKey(), sign)
}

func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

// SignTransaction adds the payer's signature, leaving other signature
// slots untouched.
func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return s.sign(ctx, tx)
}

// FacilitatorSigner co-signs payment transactions as fee payer and
// submits them through a Solana RPC endpoint.
type FacilitatorSigner struct {
	privateKey solana.PrivateKey
	client     *rpc.Client

	// ConfirmTimeout bounds how long ConfirmTransaction polls for the
	// transaction to reach confirmed commitment.
	ConfirmTimeout time.Duration
}

// NewFacilitatorSigner creates a facilitator signer from a base58-encoded
// private key and an RPC endpoint.
func NewFacilitatorSigner(privateKeyBase58 string, rpcURL string) (*FacilitatorSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	return &FacilitatorSigner{
		privateKey:     privateKey,
		client:         rpc.New(rpcURL),
		ConfirmTimeout: 60 * time.Second,
	}, nil
}

func (s *FacilitatorSigner) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignTransaction adds the fee payer signature.
func (s *FacilitatorSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return signWithKey(s.privateKey, tx)
}

// SendTransaction submits the fully signed transaction.
func (s *FacilitatorSigner) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	signature, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signature, nil
}

// ConfirmTransaction polls until the transaction reaches confirmed
// commitment or the timeout elapses.
func (s *FacilitatorSigner) ConfirmTransaction(ctx context.Context, signature solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, s.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		result, err := s.client.GetSignatureStatuses(ctx, true, signature)
		if err == nil && len(result.Value) > 0 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed: %v", signature, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for confirmation of %s: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// signWithKey signs the transaction message and places the signature at
// the key's account index, growing the signature slice if needed.
func signWithKey(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}
	index, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("signer is not a transaction account: %w", err)
	}
	if len(tx.Signatures) <= int(index) {
		signatures := make([]solana.Signature, index+1)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	tx.Signatures[index] = signature
	return nil
}
