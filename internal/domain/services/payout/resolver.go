// Package payout resolves where a project's donations are sent and keeps the
// per-project resolution state for the current cart.
package payout

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gap-service/donation_service/internal/domain/entities"
)

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Source names where a resolved address came from
type Source string

const (
	SourceNone      Source = ""
	SourceDirect    Source = "direct"
	SourceCommunity Source = "community"
	SourceGrant     Source = "grant"
	SourceOwner     Source = "owner"
)

// Resolution is the outcome of resolving one project
type Resolution struct {
	Address   common.Address
	Candidate string
	Source    Source
	Valid     bool
}

// ValidateAddress applies strict address rules: 0x followed by 40 hex digits,
// a correct EIP-55 checksum when the digits use mixed case, and not the zero
// address.
func ValidateAddress(candidate string) (common.Address, bool) {
	if !hexAddressPattern.MatchString(candidate) {
		return common.Address{}, false
	}

	digits := candidate[2:]
	if digits != strings.ToLower(digits) && digits != strings.ToUpper(digits) {
		if common.HexToAddress(candidate).Hex() != candidate {
			return common.Address{}, false
		}
	}

	addr := common.HexToAddress(candidate)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// Resolve picks the payout address for a project. The first present candidate
// wins and is then validated; an invalid candidate leaves the project
// unresolved instead of falling through to the next source.
func Resolve(project *entities.ProjectFunding, communityID string) (common.Address, bool) {
	r := Explain(project, communityID)
	return r.Address, r.Valid
}

// Explain is Resolve with the chosen candidate and its source attached
func Explain(project *entities.ProjectFunding, communityID string) Resolution {
	if project == nil {
		return Resolution{}
	}

	candidate, source := pickCandidate(project, communityID)
	if source == SourceNone {
		return Resolution{}
	}

	addr, ok := ValidateAddress(candidate)
	return Resolution{
		Address:   addr,
		Candidate: candidate,
		Source:    source,
		Valid:     ok,
	}
}

func pickCandidate(project *entities.ProjectFunding, communityID string) (string, Source) {
	field := project.PayoutAddress
	if field.IsDirect && field.Direct != "" {
		return field.Direct, SourceDirect
	}

	if len(field.Community) > 0 {
		if communityID != "" {
			for _, entry := range field.Community {
				if entry.CommunityID == communityID && entry.Address != "" {
					return entry.Address, SourceCommunity
				}
			}
		}
		for _, entry := range field.Community {
			if entry.Address != "" {
				return entry.Address, SourceCommunity
			}
		}
	}

	for _, grant := range project.Grants {
		if grant.Details.PayoutAddress != "" {
			return grant.Details.PayoutAddress, SourceGrant
		}
	}

	if project.Owner != "" {
		return project.Owner, SourceOwner
	}
	return "", SourceNone
}
