package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	x402 "github.com/x402labs/x402-go"
)

// Client implements the payer side of the exact scheme: it signs an
// EIP-3009 authorization over the required amount.
type Client struct {
	signer ClientSigner
}

func NewClient(signer ClientSigner) *Client {
	return &Client{signer: signer}
}

func (c *Client) Scheme() string {
	return SchemeExact
}

// CreatePaymentPayload signs a TransferWithAuthorization for the required
// amount with a fresh random nonce and a bounded validity window.
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

	value, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || value.Sign() <= 0 {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}

	nonce, err := CreateNonce()
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}

	validity := time.Duration(DefaultValidityPeriod) * time.Second
	if requirements.MaxTimeoutSeconds > 0 {
		validity = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	validAfter, validBefore := CreateValidityWindow(validity)

	// The challenge may pin the EIP-712 domain; fall back to the known
	// asset metadata otherwise.
	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if version, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = version
		}
	}

	authorization := Authorization{
		From:        c.signer.Address(),
		To:          requirements.PayTo,
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}

	signature, err := c.signAuthorization(ctx, authorization, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("failed to sign authorization: %w", err)
	}

	payload := &Payload{
		Signature:     BytesToHex(signature),
		Authorization: authorization,
	}
	return x402.PartialPaymentPayload{Payload: payload.ToMap()}, nil
}

func (c *Client) signAuthorization(
	ctx context.Context,
	authorization Authorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	message, err := authorizationMessage(authorization)
	if err != nil {
		return nil, err
	}
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
	return c.signer.SignTypedData(ctx, domain, transferWithAuthorizationTypes, "TransferWithAuthorization", message)
}
