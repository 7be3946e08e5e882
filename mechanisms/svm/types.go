package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Payload is the exact-scheme payment payload for SVM networks: one
// partially signed transaction, base64 encoded. The payer has signed,
// the fee payer slot is left for the facilitator.
type Payload struct {
	Transaction string `json:"transaction"`
}

func (p *Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{"transaction": p.Transaction}
}

func PayloadFromMap(data map[string]interface{}) (*Payload, error) {
	if data == nil {
		return nil, fmt.Errorf("empty payload")
	}
	tx, ok := data["transaction"].(string)
	if !ok || tx == "" {
		return nil, fmt.Errorf("missing transaction field")
	}
	return &Payload{Transaction: tx}, nil
}

// ClientSigner is the payer-side signing capability.
type ClientSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// FacilitatorSigner sponsors and submits payment transactions. The
// facilitator's key is the transaction fee payer.
type FacilitatorSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, signature solana.Signature) error
}
