package capture

import (
	"fmt"
	"time"

	"NetSentry/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ParsePacket decodes a captured packet and extracts the normalized record
// the pipeline consumes. Non-IPv4 and non-TCP/UDP packets are rejected with
// an error; callers drop and count them.
func ParsePacket(packet gopacket.Packet) (*model.PacketRecord, error) {
	rec := &model.PacketRecord{
		Timestamp: time.Now(),
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		rec.Timestamp = meta.Timestamp
	}

	var ft model.FiveTuple

	l := packet.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil, fmt.Errorf("not an IPv4 packet")
	}
	ip := l.(*layers.IPv4)
	ft.SrcIP = ip.SrcIP
	ft.DstIP = ip.DstIP
	ft.Protocol = uint8(ip.Protocol)

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		ft.SrcPort = uint16(tcp.SrcPort)
		ft.DstPort = uint16(tcp.DstPort)
		rec.TCPFlags = tcpFlags(tcp)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		ft.SrcPort = uint16(udp.SrcPort)
		ft.DstPort = uint16(udp.DstPort)
	} else {
		return nil, fmt.Errorf("not a TCP or UDP packet")
	}

	rec.FiveTuple = ft
	return rec, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= model.FlagFIN
	}
	if tcp.SYN {
		f |= model.FlagSYN
	}
	if tcp.RST {
		f |= model.FlagRST
	}
	if tcp.PSH {
		f |= model.FlagPSH
	}
	if tcp.ACK {
		f |= model.FlagACK
	}
	if tcp.URG {
		f |= model.FlagURG
	}
	return f
}
