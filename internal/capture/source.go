package capture

import (
	"io"
	"log"
	"sync/atomic"

	"NetSentry/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Source wraps a pcap handle (live device or offline file) and implements
// model.PacketSource. Undecodable packets are dropped and counted, never
// surfaced to the caller.
type Source struct {
	handle  *pcap.Handle
	packets chan gopacket.Packet
	dropped atomic.Uint64
	closed  atomic.Bool
}

// OpenFile opens a pcap file for offline replay.
func OpenFile(path string) (*Source, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, err
	}
	return newSource(handle, "")
}

// OpenLive opens a network device for live capture. filter is an opaque
// BPF expression passed through to the capture backend.
func OpenLive(device string, snaplen int32, filter string) (*Source, error) {
	handle, err := pcap.OpenLive(device, snaplen, true, pcap.BlockForever)
	if err != nil {
		return nil, err
	}
	return newSource(handle, filter)
}

func newSource(handle *pcap.Handle, filter string) (*Source, error) {
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, err
		}
	}
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	return &Source{handle: handle, packets: src.Packets()}, nil
}

// Next returns the next decodable packet record, or io.EOF when the
// underlying stream ends.
func (s *Source) Next() (*model.PacketRecord, error) {
	for packet := range s.packets {
		rec, err := ParsePacket(packet)
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		return rec, nil
	}
	return nil, io.EOF
}

// Dropped returns the number of packets discarded as undecodable.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// Close releases the capture handle. Safe to call more than once.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.handle.Close()
	if n := s.dropped.Load(); n > 0 {
		log.Printf("capture: dropped %d undecodable packets", n)
	}
	return nil
}

// SliceSource replays an in-memory slice of records. Used by tests and
// for deterministic demos.
type SliceSource struct {
	records []*model.PacketRecord
	pos     int
}

// NewSliceSource builds a source over the given records.
func NewSliceSource(records []*model.PacketRecord) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next() (*model.PacketRecord, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *SliceSource) Close() error { return nil }
