package onchain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// WalletRejectedCode is the EIP-1193 code for a request the user declined
const WalletRejectedCode = 4001

var rejectionPhrases = []string{
	"user rejected",
	"user denied",
	"rejected by user",
	"request rejected",
}

// IsUserRejection reports whether err came from the wallet owner declining a
// prompt rather than from the chain or the transport.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == WalletRejectedCode {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rejectionPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
