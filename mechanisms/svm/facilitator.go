package svm

import (
	"context"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/x402labs/x402-go"
)

// Facilitator implements verification and settlement of exact-scheme SVM
// payments. Verification inspects the partially signed transaction
// structurally; settlement co-signs as fee payer and submits it.
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

// transferDetails is the decoded TransferChecked instruction of a
// payment transaction.
type transferDetails struct {
	amount      uint64
	mint        solana.PublicKey
	destination solana.PublicKey
	owner       solana.PublicKey
}

// Verify checks that the transaction is the canonical sponsored payment:
// fee payer is this facilitator, exactly one TransferChecked paying the
// required amount of the required mint to the recipient's ATA, and the
// payer's signature over the message is valid.
func (f *Facilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(x402.ReasonUnsupportedScheme), nil
	}

	network := string(requirements.Network)
	if !IsValidNetwork(network) {
		return invalid(x402.ReasonUnsupportedNetwork), nil
	}
	assetInfo, err := GetAssetInfo(network, requirements.Asset)
	if err != nil {
		return invalid(x402.ReasonAssetMismatch), nil
	}

	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}

	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(f.signer.Address()) {
		return invalid(x402.ReasonInvalidPayload), nil
	}

	transfer, err := decodeTransfer(tx)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}

	required, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	if transfer.amount < required {
		return invalid(x402.ReasonAmountMismatch), nil
	}

	mint, err := solana.PublicKeyFromBase58(assetInfo.Address)
	if err != nil {
		return invalid(x402.ReasonAssetMismatch), nil
	}
	if !transfer.mint.Equals(mint) {
		return invalid(x402.ReasonAssetMismatch), nil
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	expectedDestination, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload), nil
	}
	if !transfer.destination.Equals(expectedDestination) {
		return invalid(x402.ReasonRecipientMismatch), nil
	}

	if err := verifyPayerSignature(tx, transfer.owner); err != nil {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: transfer.owner.String()}, nil
}

// Settle re-verifies, adds the fee payer signature and submits the
// transaction. Failures after submission report the signature so callers
// can inspect the attempt.
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

	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidPayload,
			Network:     requirements.Network,
		}, nil
	}
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidPayload,
			Network:     requirements.Network,
		}, nil
	}

	if err := f.signer.SignTransaction(ctx, tx); err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementSubmissionFailed,
			Network:     requirements.Network,
		}, nil
	}

	signature, err := f.signer.SendTransaction(ctx, tx)
	if err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementSubmissionFailed,
			Network:     requirements.Network,
		}, nil
	}

	if err := f.signer.ConfirmTransaction(ctx, signature); err != nil {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonSettlementTimeout,
			Transaction: signature.String(),
			Network:     requirements.Network,
		}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: signature.String(),
		Network:     requirements.Network,
		Payer:       verifyResp.Payer,
	}, nil
}

// decodeTransfer extracts the single TransferChecked instruction from
// the canonical payment transaction shape: compute budget instructions
// followed by exactly one token program instruction.
func decodeTransfer(tx *solana.Transaction) (*transferDetails, error) {
	var transfer *transferDetails
	for i := range tx.Message.Instructions {
		instr := tx.Message.Instructions[i]
		programID, err := tx.Message.Program(instr.ProgramIDIndex)
		if err != nil {
			return nil, err
		}
		switch {
		case programID.Equals(computebudget.ProgramID):
			continue
		case programID.Equals(solana.TokenProgramID) || programID.Equals(solana.Token2022ProgramID):
			if transfer != nil {
				return nil, fmt.Errorf("multiple token instructions")
			}
			accounts, err := instr.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				return nil, err
			}
			decoded, err := token.DecodeInstruction(accounts, instr.Data)
			if err != nil {
				return nil, err
			}
			checked, ok := decoded.Impl.(*token.TransferChecked)
			if !ok {
				return nil, fmt.Errorf("token instruction is not TransferChecked")
			}
			if checked.Amount == nil {
				return nil, fmt.Errorf("missing amount")
			}
			transfer = &transferDetails{
				amount:      *checked.Amount,
				mint:        checked.GetMintAccount().PublicKey,
				destination: checked.GetDestinationAccount().PublicKey,
				owner:       checked.GetOwnerAccount().PublicKey,
			}
		default:
			return nil, fmt.Errorf("unexpected program %s", programID)
		}
	}
	if transfer == nil {
		return nil, fmt.Errorf("no TransferChecked instruction")
	}
	return transfer, nil
}

// verifyPayerSignature checks the payer's ed25519 signature over the
// transaction message. The fee payer slot may still be unsigned.
func verifyPayerSignature(tx *solana.Transaction, payer solana.PublicKey) error {
	index := -1
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(payer) {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("payer not present in transaction")
	}
	if index >= int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("payer is not a required signer")
	}
	if index >= len(tx.Signatures) {
		return fmt.Errorf("missing payer signature")
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	signature := tx.Signatures[index]
	if signature.IsZero() {
		return fmt.Errorf("payer signature not set")
	}
	if !signature.Verify(payer, messageBytes) {
		return fmt.Errorf("invalid payer signature")
	}
	return nil
}
