// Package chain defines the chain families, network descriptors and the
// address codec shared by every component that talks to a chain.
package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned when a chain type string is neither EVM nor TRON.
var ErrUnknownKind = errors.New("unknown chain type")

// Kind is the chain family. It is a closed set: every switch over Kind
// handles KindEVM and KindTron and treats anything else as unsupported.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEVM          // Ethereum, BSC, Polygon, Base, Arbitrum, ...
	KindTron         // TRON mainnet and testnets
)

// ParseKind matches a chain type string case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evm":
		return KindEVM, nil
	case "tron":
		return KindTron, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// String returns the canonical upper-case chain type used in storage and config.
func (k Kind) String() string {
	switch k {
	case KindEVM:
		return "EVM"
	case KindTron:
		return "TRON"
	default:
		return "UNKNOWN"
	}
}
