package targets

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// AllPorts returns 1..65535.
func AllPorts() []int {
	ports := make([]int, 0, MaxPort)
	for p := MinPort; p <= MaxPort; p++ {
		ports = append(ports, p)
	}
	return ports
}

// ResolvePorts expands a comma separated list of ports and start-end ranges.
// An empty expression means every port. Tokens that do not parse are returned
// in invalid; the rest still resolve.
func ResolvePorts(selection string) (ports []int, invalid []string) {
	if strings.TrimSpace(selection) == "" {
		return AllPorts(), nil
	}

	seen := make(map[int]bool)
	for _, r := range strings.Split(selection, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		p1, p2, err := parsePortToken(r)
		if err != nil {
			invalid = append(invalid, r)
			continue
		}
		for i := p1; i <= p2; i++ {
			if !seen[i] {
				seen[i] = true
				ports = append(ports, i)
			}
		}
	}
	sort.Ints(ports)
	return ports, invalid
}

func parsePortToken(r string) (int, int, error) {
	if !strings.Contains(r, "-") {
		port, err := parsePort(r)
		return port, port, err
	}

	parts := strings.Split(r, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port selection segment: '%s'", r)
	}
	p1, err := parsePort(parts[0])
	if err != nil {
		return 0, 0, err
	}
	p2, err := parsePort(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if p1 > p2 {
		return 0, 0, fmt.Errorf("invalid port range: %d-%d", p1, p2)
	}
	return p1, p2, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port number: '%s'", s)
	}
	if port < MinPort || port > MaxPort {
		return 0, fmt.Errorf("invalid port number: %d, port number must be between 1 and 65535", port)
	}
	return port, nil
}
