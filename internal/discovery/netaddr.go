package discovery

import (
	"errors"
	"fmt"
	"net"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"
)

var ErrNoInterface = errors.New("no usable IPv4 interface")

// interfaceLister is swapped in tests.
var interfaceLister = psnet.Interfaces

// LocalIPv4 returns the first non-loopback IPv4 address that is up, with its
// network. A non-empty name restricts the search to that interface.
func LocalIPv4(name string) (net.IP, *net.IPNet, error) {
	ifaces, err := interfaceLister()
	if err != nil {
		return nil, nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, ipnet, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
				return v4, ipnet, nil
			}
		}
	}
	if name != "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoInterface, name)
	}
	return nil, nil, ErrNoInterface
}

// SubnetHosts lists x.y.z.1 through x.y.z.254 for local's /24, skipping
// local itself.
func SubnetHosts(local net.IP) []string {
	v4 := local.To4()
	if v4 == nil {
		return nil
	}
	hosts := make([]string, 0, 253)
	for i := 1; i <= 254; i++ {
		if byte(i) == v4[3] {
			continue
		}
		hosts = append(hosts, net.IPv4(v4[0], v4[1], v4[2], byte(i)).String())
	}
	return hosts
}
