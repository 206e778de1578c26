package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Prober looks for agents on host:port pairs: a TCP connect first, then an
// HTTP GET against each info endpoint in order.
type Prober struct {
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	Endpoints      []string
	Limit          int
	Client         *http.Client
}

// Found is a probe hit.
type Found struct {
	IP           string
	Port         int
	Endpoint     string
	Announcement Announcement
}

// ScanResult summarizes one sweep.
type ScanResult struct {
	Targets   int           `json:"targets"`
	OpenPorts int           `json:"openPorts"`
	Found     int           `json:"found"`
	Duration  time.Duration `json:"duration"`
}

// Scan probes every host×port pair with at most p.Limit probes in flight.
// found is called from probe goroutines and must be safe for concurrent use.
// Scan returns early with ctx's error if ctx is cancelled.
func (p *Prober) Scan(ctx context.Context, hosts []string, ports []int, found func(Found)) (ScanResult, error) {
	start := time.Now()
	var open, hits atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Limit
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	targets := 0
loop:
	for _, host := range hosts {
		for _, port := range ports {
			if gctx.Err() != nil {
				break loop
			}
			targets++
			g.Go(func() error {
				if !p.reachable(gctx, host, port) {
					return nil
				}
				open.Add(1)
				if f, ok := p.identify(gctx, host, port); ok {
					hits.Add(1)
					found(f)
				}
				return nil
			})
		}
	}
	g.Wait()

	res := ScanResult{
		Targets:   targets,
		OpenPorts: int(open.Load()),
		Found:     int(hits.Load()),
		Duration:  time.Since(start),
	}
	return res, ctx.Err()
}

func (p *Prober) reachable(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: p.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// identify walks the endpoints until one returns a station or device
// description. Every failure just means "not here".
func (p *Prober) identify(ctx context.Context, host string, port int) (Found, bool) {
	for _, endpoint := range p.Endpoints {
		ann, err := p.fetch(ctx, host, port, endpoint)
		if err != nil {
			continue
		}
		if _, ok := ParseKind(ann.Type); !ok {
			continue
		}
		if ann.Port == 0 {
			ann.Port = port
		}
		return Found{IP: host, Port: port, Endpoint: endpoint, Announcement: ann}, true
	}
	return Found{}, false
}

func (p *Prober) fetch(ctx context.Context, host string, port int, endpoint string) (Announcement, error) {
	ctx, cancel := context.WithTimeout(ctx, p.ProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Announcement{}, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Announcement{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Announcement{}, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}

	var ann Announcement
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ann); err != nil {
		return Announcement{}, fmt.Errorf("%s: %w", url, err)
	}
	return ann, nil
}
