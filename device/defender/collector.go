// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package defender

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sort"
	"strconv"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Collector gathers the metrics of a report
type Collector interface {
	Collect(ctx context.Context) (*Metrics, error)
}

// SystemCollector collects the metrics of the host the demo runs on
type SystemCollector struct{}

// Collect implements Collector
func (SystemCollector) Collect(ctx context.Context) (*Metrics, error) {
	m := &Metrics{}

	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("cannot read network counters: %w", err)
	}
	for _, c := range counters {
		m.NetworkStats.BytesIn += c.BytesRecv
		m.NetworkStats.BytesOut += c.BytesSent
		m.NetworkStats.PacketsIn += c.PacketsRecv
		m.NetworkStats.PacketsOut += c.PacketsSent
	}

	tcp, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("cannot read TCP connections: %w", err)
	}
	m.OpenTCPPorts, m.EstablishedConnections = classifyTCP(tcp)

	udp, err := psnet.ConnectionsWithContext(ctx, "udp")
	if err != nil {
		return nil, fmt.Errorf("cannot read UDP sockets: %w", err)
	}
	m.OpenUDPPorts = listeningUDP(udp)

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list processes: %w", err)
	}
	for _, pid := range pids {
		if pid >= 0 {
			m.TaskNumbers = append(m.TaskNumbers, uint32(pid))
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.StackHighWaterMark = memStats.StackInuse

	return m, nil
}

// classifyTCP splits TCP sockets into listening ports and established connections. A port
// listening on several addresses is reported once.
func classifyTCP(connections []psnet.ConnectionStat) ([]Port, []Connection) {
	var ports []Port
	var established []Connection
	seen := map[uint32]bool{}
	for _, c := range connections {
		switch c.Status {
		case "LISTEN":
			if !seen[c.Laddr.Port] {
				seen[c.Laddr.Port] = true
				ports = append(ports, Port{Port: c.Laddr.Port})
			}
		case "ESTABLISHED":
			established = append(established, Connection{
				LocalPort:  c.Laddr.Port,
				RemoteAddr: net.JoinHostPort(c.Raddr.IP, strconv.FormatUint(uint64(c.Raddr.Port), 10)),
			})
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })
	return ports, established
}

// listeningUDP returns the bound UDP ports which have no remote peer
func listeningUDP(sockets []psnet.ConnectionStat) []Port {
	var ports []Port
	seen := map[uint32]bool{}
	for _, s := range sockets {
		if s.Laddr.Port == 0 || len(s.Raddr.IP) > 0 || seen[s.Laddr.Port] {
			continue
		}
		seen[s.Laddr.Port] = true
		ports = append(ports, Port{Port: s.Laddr.Port})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })
	return ports
}

// StaticCollector returns the same metrics on every call
type StaticCollector struct {
	Metrics Metrics
}

// Collect implements Collector
func (s StaticCollector) Collect(context.Context) (*Metrics, error) {
	m := s.Metrics
	return &m, nil
}
