package sockopt

import (
	"context"
	"fmt"
	"net"
)

// ListenUDP opens a UDP relay socket on address.
func ListenUDP(ctx context.Context, network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return pc, nil
}
