package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// TronAddressPrefix is the version byte of TRON mainnet addresses.
const TronAddressPrefix byte = 0x41

// ErrInvalidAddress is returned when an address cannot be decoded for its chain.
var ErrInvalidAddress = errors.New("invalid address")

// =============================================================================
// Address codec
// =============================================================================

// ParseAddress decodes an address into its 20-byte canonical form.
//
// EVM accepts 0x-prefixed hex. TRON accepts base58check ("T..."), 41-prefixed
// hex and, for convenience, 0x-prefixed hex.
func ParseAddress(kind Kind, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	switch kind {
	case KindEVM:
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return common.HexToAddress(s), nil
	case KindTron:
		return parseTronAddress(s)
	default:
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// MustParseAddress is like ParseAddress but panics on error. Only for constants.
func MustParseAddress(kind Kind, s string) common.Address {
	addr, err := ParseAddress(kind, s)
	if err != nil {
		panic(err)
	}
	return addr
}

// FormatAddress encodes a canonical address in the chain's native form:
// EIP-55 checksummed hex for EVM, base58check for TRON.
func FormatAddress(kind Kind, addr common.Address) string {
	switch kind {
	case KindTron:
		return base58.CheckEncode(addr.Bytes(), TronAddressPrefix)
	default:
		return addr.Hex()
	}
}

// TronHex returns the 41-prefixed hex form used by full-node HTTP endpoints.
func TronHex(addr common.Address) string {
	return hex.EncodeToString(append([]byte{TronAddressPrefix}, addr.Bytes()...))
}

// Word left-pads an address to a 32-byte ABI word.
func Word(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// Keccak256 hashes data with legacy Keccak-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a signature such as
// "balanceOf(address)".
func Selector(signature string) []byte {
	return Keccak256([]byte(signature))[:4]
}

// AddressFromPublicKey derives the canonical address from a 65-byte
// uncompressed secp256k1 public key. EVM and TRON share the derivation.
func AddressFromPublicKey(uncompressed []byte) (common.Address, error) {
	if len(uncompressed) != 65 || uncompressed[0] != 0x04 {
		return common.Address{}, fmt.Errorf("%w: public key must be 65 bytes uncompressed", ErrInvalidAddress)
	}
	return common.BytesToAddress(Keccak256(uncompressed[1:])[12:]), nil
}

func parseTronAddress(s string) (common.Address, error) {
	switch {
	case strings.HasPrefix(s, "T"):
		decoded, version, err := base58.CheckDecode(s)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		if version != TronAddressPrefix || len(decoded) != common.AddressLength {
			return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return common.BytesToAddress(decoded), nil
	case len(s) == 42 && strings.HasPrefix(s, "41"):
		raw, err := hex.DecodeString(s[2:])
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return common.BytesToAddress(raw), nil
	case common.IsHexAddress(s) && strings.HasPrefix(strings.ToLower(s), "0x"):
		return common.HexToAddress(s), nil
	default:
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
}

// equalFoldAddress compares hex addresses case-insensitively and base58 exactly.
func equalFoldAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
