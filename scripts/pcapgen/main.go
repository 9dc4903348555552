// pcapgen generates synthetic pcap files for exercising the engine
// offline: steady baseline traffic plus optional attack scenarios that
// the detectors should flag.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

type generator struct {
	writer *pcapgo.Writer
	rng    *rand.Rand
	now    time.Time
	count  int
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	baseline := flag.Int("baseline", 2000, "Number of baseline packets")
	scenario := flag.String("scenario", "", "Attack scenario: portscan, ddos, exfil (empty = baseline only)")
	seed := flag.Int64("seed", 0, "RNG seed (0 = time-based)")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	g := &generator{
		writer: w,
		rng:    rand.New(rand.NewSource(*seed)),
		now:    time.Now().Add(-10 * time.Minute),
	}

	g.writeBaseline(*baseline)
	switch *scenario {
	case "":
	case "portscan":
		g.writePortScan()
	case "ddos":
		g.writeDDoS()
	case "exfil":
		g.writeExfil()
	default:
		log.Fatalf("Unknown scenario: %q", *scenario)
	}

	log.Printf("Wrote %d packets to %s (scenario=%q seed=%d).", g.count, *outputFile, *scenario, *seed)
}

// writeBaseline emits steady client/server conversations so the engine
// can build warm profiles before any attack traffic arrives.
func (g *generator) writeBaseline(n int) {
	clients := []net.IP{
		{192, 168, 1, 10}, {192, 168, 1, 11}, {192, 168, 1, 12},
	}
	servers := []net.IP{
		{10, 0, 0, 1}, {10, 0, 0, 2},
	}
	for i := 0; i < n; i++ {
		client := clients[g.rng.Intn(len(clients))]
		server := servers[g.rng.Intn(len(servers))]
		sport := uint16(g.rng.Intn(16384) + 49152)
		size := g.rng.Intn(600) + 400
		g.tcp(client, server, sport, 443, false, size)
		g.now = g.now.Add(time.Duration(g.rng.Intn(20)+5) * time.Millisecond)
	}
}

// writePortScan sweeps 200 ports on one target with bare SYNs.
func (g *generator) writePortScan() {
	attacker := net.IP{192, 168, 1, 66}
	target := net.IP{10, 0, 0, 1}
	for port := 1; port <= 200; port++ {
		g.tcp(attacker, target, uint16(40000+port), uint16(port), true, 0)
		g.now = g.now.Add(10 * time.Millisecond)
	}
}

// writeDDoS floods one target with SYNs from a small spoofed range.
func (g *generator) writeDDoS() {
	target := net.IP{10, 0, 0, 1}
	for i := 0; i < 8000; i++ {
		src := net.IP{172, 16, byte(g.rng.Intn(4)), byte(g.rng.Intn(250) + 1)}
		g.tcp(src, target, uint16(g.rng.Intn(16384)+49152), 80, true, 0)
		g.now = g.now.Add(time.Millisecond)
	}
}

// writeExfil streams large payloads from one host to an external address.
func (g *generator) writeExfil() {
	insider := net.IP{192, 168, 1, 20}
	dropbox := net.IP{203, 0, 113, 50}
	for i := 0; i < 3000; i++ {
		g.tcp(insider, dropbox, 52000, 443, false, 1400)
		g.now = g.now.Add(2 * time.Millisecond)
	}
}

func (g *generator) tcp(src, dst net.IP, sport, dport uint16, syn bool, payloadSize int) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    src,
		DstIP:    dst,
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
	}
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     g.rng.Uint32(),
		SYN:     syn,
		ACK:     !syn,
		Window:  14600,
	}
	tcpLayer.SetNetworkLayerForChecksum(ipLayer)

	payload := make([]byte, payloadSize)
	g.rng.Read(payload)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, tcpLayer, gopacket.Payload(payload)); err != nil {
		log.Fatalf("Failed to serialize layers: %v", err)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     g.now,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := g.writer.WritePacket(ci, buf.Bytes()); err != nil {
		log.Fatalf("Failed to write packet: %v", err)
	}
	g.count++
}
