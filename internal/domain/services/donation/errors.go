package donation

import (
	"context"
	"errors"

	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/onchain"
)

// ClassifyError maps a leg failure to a stable code and a short message for
// the donor. Raw provider output never reaches the message.
func ClassifyError(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	if apperrors.IsUserRejected(err) || onchain.IsUserRejection(err) {
		de := apperrors.UserRejectedError()
		return de.Code, de.Message
	}

	if errors.Is(err, apperrors.ErrChainSwitchFailed) {
		var de *apperrors.DomainError
		if errors.As(err, &de) {
			return de.Code, de.Message
		}
		return apperrors.CodeChainSwitchFailed, "Could not switch the wallet to the required network."
	}

	var de *apperrors.DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code, de.Message
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.CodeExecutionFailed, "Timed out waiting for the transaction."
	}

	fallback := apperrors.ExecutionFailedError()
	return fallback.Code, fallback.Message
}
