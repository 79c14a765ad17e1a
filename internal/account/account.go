// Package account parses the fixed-size identifiers that own locks.
//
// An account is a 20-byte address. It is accepted either in the usual
// 0x-prefixed hex form or as a base58 string of the same 20 bytes, and is
// always rendered back as lowercase hex.
package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

var (
	ErrInvalid = errors.New("account: invalid identifier")
	ErrZero    = errors.New("account: zero address")
)

// Parse decodes a hex or base58 account identifier. The zero address is
// rejected because it cannot authenticate a call.
func Parse(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	var addr common.Address
	switch {
	case common.IsHexAddress(s):
		addr = common.HexToAddress(s)
	default:
		raw, err := base58.Decode(s)
		if err != nil || len(raw) != common.AddressLength {
			return common.Address{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		addr = common.BytesToAddress(raw)
	}

	if addr == (common.Address{}) {
		return common.Address{}, ErrZero
	}
	return addr, nil
}

// MustParse is Parse for tests and constants.
func MustParse(s string) common.Address {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// Valid reports whether s parses as a non-zero account.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Hex renders the canonical lowercase form used as storage keys and in JSON.
func Hex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Base58 renders the alternative text form.
func Base58(addr common.Address) string {
	return base58.Encode(addr.Bytes())
}
