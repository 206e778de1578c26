package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Announce sends one UDP announcement to AnnounceAddr:AnnouncePort.
func (a *Agent) Announce() error {
	cfg := a.Config()
	data, err := json.Marshal(a.Announcement())
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.AnnounceAddr, strconv.Itoa(cfg.AnnouncePort)))
	if err != nil {
		return fmt.Errorf("resolve announce address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

func (a *Agent) announceLoop(ctx context.Context) {
	if err := a.Announce(); err != nil {
		log.Warningf("Announcement failed: %v", err)
	}
	ticker := a.clk.NewTicker(a.Config().AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Announce(); err != nil {
				log.Warningf("Announcement failed: %v", err)
			}
		}
	}
}
