package payout

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gap-service/donation_service/internal/domain/entities"
)

const (
	checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	grantAddr   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	ownerAddr   = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"checksummed", checksummed, true},
		{"all lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"all uppercase digits", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", true},
		{"bad checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", false},
		{"missing prefix", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"too short", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1bea", false},
		{"not hex", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beazz", false},
		{"zero address", "0x0000000000000000000000000000000000000000", false},
		{"garbage", "not-an-address", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ValidateAddress(tt.input)
			assert.Equal(t, tt.valid, ok)
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	grants := []entities.Grant{
		{UID: "g0"},
		{UID: "g1", Details: entities.GrantDetails{PayoutAddress: grantAddr}},
	}

	tests := []struct {
		name      string
		project   entities.ProjectFunding
		community string
		want      string
		ok        bool
	}{
		{
			name:    "direct string beats grant",
			project: entities.ProjectFunding{PayoutAddress: entities.DirectPayout(checksummed), Grants: grants, Owner: ownerAddr},
			want:    checksummed,
			ok:      true,
		},
		{
			name: "community entry for current community",
			project: entities.ProjectFunding{PayoutAddress: entities.CommunityPayouts(
				entities.CommunityPayout{CommunityID: "c1", Address: grantAddr},
				entities.CommunityPayout{CommunityID: "c2", Address: checksummed},
			)},
			community: "c2",
			want:      checksummed,
			ok:        true,
		},
		{
			name: "first non-empty community entry when current is absent",
			project: entities.ProjectFunding{PayoutAddress: entities.CommunityPayouts(
				entities.CommunityPayout{CommunityID: "c1", Address: ""},
				entities.CommunityPayout{CommunityID: "c2", Address: grantAddr},
				entities.CommunityPayout{CommunityID: "c3", Address: checksummed},
			)},
			community: "c9",
			want:      grantAddr,
			ok:        true,
		},
		{
			name:    "first grant exposing an address",
			project: entities.ProjectFunding{Grants: grants, Owner: ownerAddr},
			want:    grantAddr,
			ok:      true,
		},
		{
			name:    "owner fallback",
			project: entities.ProjectFunding{Owner: ownerAddr},
			want:    ownerAddr,
			ok:      true,
		},
		{
			name:    "invalid direct does not fall through",
			project: entities.ProjectFunding{PayoutAddress: entities.DirectPayout("not-an-address"), Grants: grants, Owner: ownerAddr},
			ok:      false,
		},
		{
			name: "nothing available",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := tt.project
			addr, ok := Resolve(&project, tt.community)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, common.HexToAddress(tt.want), addr)
			} else {
				assert.Equal(t, common.Address{}, addr)
			}
		})
	}
}

func TestResolve_DecodedCommunityOrder(t *testing.T) {
	raw := `{"uid":"p1","payoutAddress":{"zeta":"` + grantAddr + `","alpha":"` + checksummed + `"}}`
	var project entities.ProjectFunding
	require.NoError(t, json.Unmarshal([]byte(raw), &project))

	addr, ok := Resolve(&project, "")
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress(grantAddr), addr, "insertion order, not key order")
}

func TestResolve_NilProject(t *testing.T) {
	_, ok := Resolve(nil, "c1")
	assert.False(t, ok)
}
