package multicall

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBalanceCalls(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	data := EncodeBalanceOf(addr)
	require.Len(t, data, 36)
	assert.Equal(t, []byte{0x70, 0xa0, 0x82, 0x31}, data[:4])
	assert.Equal(t, addr.Bytes(), data[16:])

	data = EncodeGetEthBalance(addr)
	require.Len(t, data, 36)
	assert.Equal(t, []byte{0x4d, 0x23, 0x01, 0xcc}, data[:4])
	assert.Equal(t, addr.Bytes(), data[16:])
}

func TestDecodeUint(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	tests := []struct {
		name string
		raw  []byte
		want *big.Int
	}{
		{"empty", nil, big.NewInt(0)},
		{"zero word", make([]byte, 32), big.NewInt(0)},
		{"one", EncodeUint(big.NewInt(1)), big.NewInt(1)},
		{"max", EncodeUint(max), max},
		{"short", []byte{0x01, 0x00}, big.NewInt(256)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeUint(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, 0, tt.want.Cmp(got), "got %s", got)
		})
	}

	_, err := DecodeUint(make([]byte, 33))
	assert.ErrorIs(t, err, ErrResultTooLong)
}

func TestMulticallViewRoundTrip(t *testing.T) {
	agg := common.HexToAddress("0x058C6121efBF3e7C1f856928f7e9ecBC71c5772a")
	addrs := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	calls := NativeBalanceCalls(agg, addrs)

	input, err := EncodeMulticallView(calls)
	require.NoError(t, err)
	assert.Equal(t, parsedABI.Methods["multicallView"].ID, input[:4])

	decoded, err := DecodeMulticallViewInput(input)
	require.NoError(t, err)
	assert.Equal(t, calls, decoded)

	_, err = DecodeMulticallViewInput([]byte{1, 2, 3, 4})
	assert.Error(t, err)

	output, err := EncodeMulticallViewOutput(big.NewInt(123), [][]byte{EncodeUint(big.NewInt(5)), {}})
	require.NoError(t, err)

	res, err := DecodeMulticallView(output, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(123), res.BlockNumber.Int64())

	first, err := DecodeUint(res.Results[0])
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.Int64())

	second, err := DecodeUint(res.Results[1])
	require.NoError(t, err)
	assert.Zero(t, second.Sign())

	_, err = DecodeMulticallView(output, 3)
	assert.ErrorIs(t, err, ErrResultCount)
}

func TestTokenBalanceCalls(t *testing.T) {
	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	calls := TokenBalanceCalls(token, []common.Address{{1}, {2}, {3}})
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, token, c.Target)
		assert.Len(t, c.CallData, 36)
	}
}
