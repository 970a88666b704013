package dht

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AddressType classifies an endpoint address.
type AddressType uint8

const (
	AddressTypeUnknown AddressType = iota
	AddressTypeIPv4
	AddressTypeIPv6
	AddressTypeOnion
	AddressTypeName
)

func (t AddressType) String() string {
	switch t {
	case AddressTypeIPv4:
		return "ipv4"
	case AddressTypeIPv6:
		return "ipv6"
	case AddressTypeOnion:
		return "onion"
	case AddressTypeName:
		return "name"
	default:
		return "unknown"
	}
}

// ErrInvalidAddress is returned for addresses that cannot be dialed.
var ErrInvalidAddress = errors.New("invalid address")

// DetectAddressType classifies addr without resolving it. Addresses that are
// not host:port pairs (in-memory transports, overlay names) are treated as
// opaque names.
func DetectAddressType(addr string) AddressType {
	if addr == "" {
		return AddressTypeUnknown
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	switch ip := net.ParseIP(host); {
	case ip != nil && ip.To4() != nil:
		return AddressTypeIPv4
	case ip != nil:
		return AddressTypeIPv6
	case strings.HasSuffix(host, ".onion"):
		return AddressTypeOnion
	default:
		return AddressTypeName
	}
}

// ValidateAddress rejects addresses no remote peer could reach: empty
// strings, unspecified or multicast IPs, and port zero.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Opaque names carry no port to check.
		return nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, addr)
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsUnspecified() || ip.IsMulticast()) {
		return fmt.Errorf("%w: %s is not routable", ErrInvalidAddress, host)
	}
	return nil
}
