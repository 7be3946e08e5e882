// Package evm provides ECDSA-backed implementations of the EVM mechanism's
// signer interfaces: an in-process client signer for authoring payments and
// an ethclient-backed facilitator signer for verification and settlement.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402labs/x402-go/mechanisms/evm"
)

// ClientSigner signs EIP-712 payloads with a local private key.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewClientSigner creates a client signer from a hex private key, with or
// without the 0x prefix.
func NewClientSigner(privateKeyHex string) (*ClientSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData hashes the typed data per EIP-712 and signs the digest,
// returning a 65-byte r||s||v signature with v in {27, 28}.
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain x402evm.TypedDataDomain,
	dataTypes map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := x402evm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// FacilitatorSigner gives the facilitator chain access through an ethclient
// and submits settlement transactions signed with its own key.
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int

	// GasLimit for settlement transactions. transferWithAuthorization
	// stays well under this.
	GasLimit uint64
	// ReceiptTimeout bounds WaitForReceipt polling.
	ReceiptTimeout time.Duration
}

// NewFacilitatorSigner connects to the RPC endpoint and derives the chain id.
func NewFacilitatorSigner(privateKeyHex string, rpcURL string) (*FacilitatorSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	return &FacilitatorSigner{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		client:         client,
		chainID:        chainID,
		GasLimit:       300_000,
		ReceiptTimeout: 60 * time.Second,
	}, nil
}

func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

func (s *FacilitatorSigner) ChainID() *big.Int {
	return s.chainID
}

// ReadContract packs, calls and unpacks a read-only contract method.
func (s *FacilitatorSigner) ReadContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, normalizeArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	to := common.HexToAddress(contract)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract packs, signs and broadcasts a state-changing call, returning
// the transaction hash.
func (s *FacilitatorSigner) WriteContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, normalizeArgs(args)...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", method, err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contract)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), s.GasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls for the receipt until mined or the timeout elapses.
func (s *FacilitatorSigner) WaitForReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(s.ReceiptTimeout)

	for time.Now().Before(deadline) {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("receipt for %s not found within %s", txHash, s.ReceiptTimeout)
}

// GetBalance returns the ERC-20 balance, or the native balance when token
// is empty or the zero address.
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, token string) (*big.Int, error) {
	if token == "" || token == "0x0000000000000000000000000000000000000000" {
		return s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	result, err := s.ReadContract(ctx, token, x402evm.ERC20BalanceOfABI, x402evm.FunctionBalanceOf, address)
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type %T", result)
	}
	return balance, nil
}

// VerifyTypedData recovers the signer of an EIP-712 signature and compares
// it to the expected address.
func (s *FacilitatorSigner) VerifyTypedData(
	ctx context.Context,
	address string,
	domain x402evm.TypedDataDomain,
	dataTypes map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	digest, err := x402evm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return false, err
	}

	sigCopy := make([]byte, 65)
	copy(sigCopy, signature)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return false, fmt.Errorf("failed to recover public key: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	return recovered == common.HexToAddress(address), nil
}

// normalizeArgs converts hex-string addresses to common.Address so callers
// can pass either form.
func normalizeArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok && common.IsHexAddress(s) {
			out[i] = common.HexToAddress(s)
			continue
		}
		out[i] = arg
	}
	return out
}
