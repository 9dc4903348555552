// Package probe moves packet records between a capture host and the
// analysis engine over NATS. The wire format is JSON: one message per
// packet record.
package probe

import (
	"net"
	"time"

	"github.com/goccy/go-json"

	"NetSentry/internal/model"
)

// wireRecord is the JSON shape of one packet record on the wire.
type wireRecord struct {
	TimestampNS int64  `json:"ts"`
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Protocol    uint8  `json:"protocol"`
	Length      int    `json:"length"`
	TCPFlags    uint8  `json:"tcp_flags,omitempty"`
}

func encodeRecord(rec *model.PacketRecord) ([]byte, error) {
	return json.Marshal(wireRecord{
		TimestampNS: rec.Timestamp.UnixNano(),
		SrcIP:       rec.FiveTuple.SrcIP.String(),
		DstIP:       rec.FiveTuple.DstIP.String(),
		SrcPort:     rec.FiveTuple.SrcPort,
		DstPort:     rec.FiveTuple.DstPort,
		Protocol:    rec.FiveTuple.Protocol,
		Length:      rec.Length,
		TCPFlags:    rec.TCPFlags,
	})
}

func decodeRecord(data []byte) (*model.PacketRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &model.PacketRecord{
		Timestamp: time.Unix(0, w.TimestampNS),
		FiveTuple: model.FiveTuple{
			SrcIP:    net.ParseIP(w.SrcIP),
			DstIP:    net.ParseIP(w.DstIP),
			SrcPort:  w.SrcPort,
			DstPort:  w.DstPort,
			Protocol: w.Protocol,
		},
		Length:   w.Length,
		TCPFlags: w.TCPFlags,
	}, nil
}
