package socks5

import (
	"fmt"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	CmdConnect = txsocks5.CmdConnect
	CmdUDP     = txsocks5.CmdUDP
)

// socks4Reject is a SOCKS4 reply with status 91, "request rejected or failed".
var socks4Reject = []byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0}

// WriteSuccessReply writes a SOCKS5 success reply using bound as the bound
// address. A nil bound address is reported as 0.0.0.0:0.
func WriteSuccessReply(conn net.Conn, bound net.Addr) error {
	if bound == nil {
		_, err := newZeroAddrReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4).WriteTo(conn)
		return err
	}
	a, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a SOCKS5 "general server failure" reply.
func WriteFailureReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepServerFailure, atyp).WriteTo(conn)
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(conn)
}

// WriteAddressNotSupportedReply writes a SOCKS5 reply indicating that the
// requested address type is not supported.
func WriteAddressNotSupportedReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepAddressNotSupported, atyp).WriteTo(conn)
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

// AppendDatagramHeader appends the SOCKS5 UDP request header
// RSV(2) FRAG(1) ATYP ADDR PORT for from to b.
func AppendDatagramHeader(b []byte, from netip.AddrPort) []byte {
	ip := from.Addr().Unmap()
	b = append(b, 0, 0, 0)
	if ip.Is4() {
		a := ip.As4()
		b = append(b, txsocks5.ATYPIPv4)
		b = append(b, a[:]...)
	} else {
		a := ip.As16()
		b = append(b, txsocks5.ATYPIPv6)
		b = append(b, a[:]...)
	}
	return append(b, byte(from.Port()>>8), byte(from.Port()))
}
