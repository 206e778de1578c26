package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const maxDatagram = 8 << 10

// listenUDP binds the announcement port. The caller owns the returned conn.
func listenUDP(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp :%d: %w", port, err)
	}
	return conn, nil
}

// serveUDP reads datagrams until ctx is cancelled or conn is closed and
// hands each one to handle with the sender's address.
func serveUDP(ctx context.Context, conn *net.UDPConn, handle func(data []byte, from *net.UDPAddr)) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warningf("UDP read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, from)
	}
}
