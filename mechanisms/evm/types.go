package evm

import (
	"context"
	"fmt"
	"math/big"
)

// Authorization is the EIP-3009 TransferWithAuthorization message. All
// numeric fields travel as decimal strings, the nonce as 0x-prefixed hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload is the exact-scheme payment payload for EVM networks.
type Payload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// ToMap converts the payload into the generic form carried inside a
// PaymentPayload.
func (p *Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
}

// PayloadFromMap parses the generic payload form. Missing fields surface
// as empty strings so callers can produce precise rejection reasons.
func PayloadFromMap(data map[string]interface{}) (*Payload, error) {
	if data == nil {
		return nil, fmt.Errorf("empty payload")
	}
	payload := &Payload{}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization object")
	}
	str := func(key string) string {
		v, _ := auth[key].(string)
		return v
	}
	payload.Authorization = Authorization{
		From:        str("from"),
		To:          str("to"),
		Value:       str("value"),
		ValidAfter:  str("validAfter"),
		ValidBefore: str("validBefore"),
		Nonce:       str("nonce"),
	}
	return payload, nil
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField is one field of an EIP-712 type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt is the subset of a mined receipt the facilitator needs.
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// ClientSigner is the wallet-side capability needed to author payments.
type ClientSigner interface {
	Address() string
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// FacilitatorSigner is the chain access a facilitator needs: contract
// reads for nonce and balance checks, writes for settlement, and EIP-712
// verification.
type FacilitatorSigner interface {
	ReadContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
	GetBalance(ctx context.Context, address string, token string) (*big.Int, error)
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)
}

// AssetInfo describes an EIP-3009 capable token.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig is the per-chain configuration.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}
