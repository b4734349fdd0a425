package helpers

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		decimals uint8
		want     string
		wantErr  error
	}{
		{"whole", "1", 18, "1000000000000000000", nil},
		{"fraction", "1.5", 6, "1500000", nil},
		{"smallest unit", "0.000001", 6, "1", nil},
		{"zero", "0", 18, "0", nil},
		{"trailing zeros ok", "2.500000", 6, "2500000", nil},
		{"large", "123456789012345678901234567890", 18, "123456789012345678901234567890000000000000000000", nil},
		{"too precise", "0.0000001", 6, "", ErrAmountPrecision},
		{"negative", "-1", 6, "", ErrNegativeAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUnits(tt.in, tt.decimals)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseUnitsInvalid(t *testing.T) {
	_, err := ParseUnits("", 6)
	assert.Error(t, err)
	_, err = ParseUnits("abc", 6)
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(1500000), 6, "1.5"},
		{big.NewInt(1), 18, "0.000000000000000001"},
		{big.NewInt(0), 18, "0"},
		{big.NewInt(42), 0, "42"},
		{nil, 6, "0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUnits(tt.amount, tt.decimals))
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	for _, v := range []*big.Int{big.NewInt(0), big.NewInt(123456789), maxUint256} {
		s := FormatUnits(v, 18)
		back, err := ParseUnits(s, 18)
		require.NoError(t, err)
		assert.Equal(t, 0, v.Cmp(back), "round trip of %s", v)
	}
}

func TestParseBigInt(t *testing.T) {
	v, err := ParseBigInt("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())

	v, err = ParseBigInt("340282366920938463463374607431768211456")
	require.NoError(t, err)
	assert.Equal(t, "340282366920938463463374607431768211456", v.String())

	_, err = ParseBigInt("12x")
	assert.Error(t, err)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 2, CeilDiv(300, 255))
	assert.Equal(t, 1, CeilDiv(255, 255))
	assert.Equal(t, 0, CeilDiv(0, 255))
	assert.Equal(t, 5, CeilDiv(21, 5))
	assert.Equal(t, 0, CeilDiv(10, 0))
}

func TestHexToBytes(t *testing.T) {
	b, err := HexToBytes("0x00ff10")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, b)

	b, err = HexToBytes("ABCD")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, b)

	_, err = HexToBytes("0xzz")
	assert.Error(t, err)
}
