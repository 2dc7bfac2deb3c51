package donation

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{name: "whole usdc", amount: "10", decimals: 6, want: "10000000"},
		{name: "fractional usdc", amount: "0.25", decimals: 6, want: "250000"},
		{name: "one wei", amount: "0.000000000000000001", decimals: 18, want: "1"},
		{name: "large ether", amount: "12345.6789", decimals: 18, want: "12345678900000000000000"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "zero", amount: "0", decimals: 6, wantErr: true},
		{name: "negative", amount: "-1", decimals: 6, wantErr: true},
		{name: "garbage", amount: "ten", decimals: 6, wantErr: true},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	assert.Equal(t, "1.5", FromBaseUnits(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0", FromBaseUnits(nil, 18))
}
