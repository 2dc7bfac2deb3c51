package errors

import (
	"errors"
	"fmt"
)

// Donation flow errors
var (
	// Batch-aborting pre-checks
	ErrSecurityBlock       = errors.New("payout address not resolved")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrApprovalFailed      = errors.New("token approval failed")
	ErrEmptyBatch          = errors.New("no donations to execute")

	// Leg-scoped execution errors
	ErrChainSwitchFailed = errors.New("chain switch failed")
	ErrUserRejected      = errors.New("user rejected the request")
	ErrExecutionFailed   = errors.New("donation execution failed")
	ErrTransactionFailed = errors.New("transaction reverted")
	ErrReceiptUnobserved = errors.New("transaction receipt not observed")

	// Cart and checkout
	ErrCartFull             = errors.New("cart is full")
	ErrConfirmationRequired = errors.New("checkout confirmation required")
	ErrWalletNotConnected   = errors.New("wallet not connected")
	ErrCheckoutInProgress   = errors.New("checkout already in progress")
)

// Error codes surfaced to donors
const (
	CodeSecurityBlock        = "SECURITY_BLOCK"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeChainSwitchFailed    = "CHAIN_SWITCH_FAILED"
	CodeUserRejected         = "USER_REJECTED"
	CodeExecutionFailed      = "EXECUTION_FAILED"
	CodeReceiptPending       = "RECEIPT_PENDING"
	CodeValidation           = "VALIDATION_ERROR"
	CodeApprovalFailed       = "APPROVAL_FAILED"
	CodeEmptyBatch           = "EMPTY_BATCH"
	CodeCartFull             = "CART_FULL"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeWalletNotConnected   = "WALLET_NOT_CONNECTED"
	CodeCheckoutInProgress   = "CHECKOUT_IN_PROGRESS"
)

// SecurityBlockError is raised when one or more legs have no valid payout address
func SecurityBlockError(projectIDs []string) *DomainError {
	return &DomainError{
		Err:     ErrSecurityBlock,
		Code:    CodeSecurityBlock,
		Message: "Some projects have no verified payout address. No donations were sent.",
		Details: map[string]interface{}{
			"project_ids": projectIDs,
		},
	}
}

// InsufficientBalanceError is raised when the wallet cannot fund every leg
func InsufficientBalanceError(projectIDs []string, tokens []string) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientBalance,
		Code:    CodeInsufficientBalance,
		Message: "Insufficient balance to cover all donations.",
		Details: map[string]interface{}{
			"project_ids": projectIDs,
			"tokens":      tokens,
		},
	}
}

// ApprovalFailedError is raised when a token approval does not confirm
func ApprovalFailedError(tokenSymbol string, err error) *DomainError {
	de := &DomainError{
		Err:     ErrApprovalFailed,
		Code:    CodeApprovalFailed,
		Message: fmt.Sprintf("Approval for %s failed. No donations were sent.", tokenSymbol),
		Details: map[string]interface{}{
			"token": tokenSymbol,
		},
	}
	if errors.Is(err, ErrUserRejected) {
		de.Message = fmt.Sprintf("Approval for %s was cancelled. No donations were sent.", tokenSymbol)
		de.Details["reason"] = CodeUserRejected
	}
	return de
}

// ChainSwitchError is raised when the wallet never reports the target chain
func ChainSwitchError(chainID int64, attempts int) *DomainError {
	return &DomainError{
		Err:     ErrChainSwitchFailed,
		Code:    CodeChainSwitchFailed,
		Message: fmt.Sprintf("Could not switch the wallet to chain %d.", chainID),
		Details: map[string]interface{}{
			"chain_id": chainID,
			"attempts": attempts,
		},
	}
}

// UserRejectedError represents a donor declining a wallet prompt
func UserRejectedError() *DomainError {
	return &DomainError{
		Err:     ErrUserRejected,
		Code:    CodeUserRejected,
		Message: "Transaction cancelled in wallet.",
	}
}

// ExecutionFailedError is the last-resort classification for a failed leg
func ExecutionFailedError() *DomainError {
	return &DomainError{
		Err:     ErrExecutionFailed,
		Code:    CodeExecutionFailed,
		Message: "Donation failed. Please try again.",
	}
}

// TransactionRevertedError is used when the chain reports a failed receipt
func TransactionRevertedError(hash string) *DomainError {
	return &DomainError{
		Err:     ErrTransactionFailed,
		Code:    CodeExecutionFailed,
		Message: "Transaction failed on chain.",
		Details: map[string]interface{}{
			"transaction_hash": hash,
		},
	}
}

// ReceiptPendingError marks a leg whose transaction was broadcast but whose
// receipt was not observed before the wait ended
func ReceiptPendingError(hash string, err error) *DomainError {
	return &DomainError{
		Err:     fmt.Errorf("%w: %v", ErrReceiptUnobserved, err),
		Code:    CodeReceiptPending,
		Message: "Donation sent. Confirmation is still pending, do not send it again.",
		Details: map[string]interface{}{
			"transaction_hash": hash,
		},
	}
}

// CartFullError is returned when an insert would exceed the cart capacity
func CartFullError(max int) *DomainError {
	return &DomainError{
		Err:     ErrCartFull,
		Code:    CodeCartFull,
		Message: fmt.Sprintf("Cart can hold at most %d projects.", max),
		Details: map[string]interface{}{
			"max_items": max,
		},
	}
}

// EmptyBatchError is returned when checkout has no valid payments
func EmptyBatchError() *DomainError {
	return &DomainError{
		Err:     ErrEmptyBatch,
		Code:    CodeEmptyBatch,
		Message: "Add an amount and token for at least one project.",
	}
}

// WalletNotConnectedError is returned when no wallet client can be acquired
func WalletNotConnectedError() *DomainError {
	return &DomainError{
		Err:     ErrWalletNotConnected,
		Code:    CodeWalletNotConnected,
		Message: "Connect a wallet to donate.",
	}
}

// ConfirmationRequiredError is returned when checkout needs an explicit confirmation
func ConfirmationRequiredError(reasons []string) *DomainError {
	return &DomainError{
		Err:     ErrConfirmationRequired,
		Code:    CodeConfirmationRequired,
		Message: "Review the donation summary and confirm to continue.",
		Details: map[string]interface{}{
			"reasons": reasons,
		},
	}
}

// CheckoutInProgressError is returned when a second checkout starts before the first ends
func CheckoutInProgressError() *DomainError {
	return &DomainError{
		Err:       ErrCheckoutInProgress,
		Code:      CodeCheckoutInProgress,
		Message:   "A checkout is already running for this wallet.",
		Retryable: true,
	}
}

// IsUserRejected reports whether err stems from the donor declining a prompt
func IsUserRejected(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

