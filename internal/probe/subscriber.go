package probe

import (
	"io"
	"log"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// StreamSource subscribes to the probe subject and exposes the message
// stream as a model.PacketSource. Messages that fail to decode are
// dropped and counted, matching the capture-error contract.
type StreamSource struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string

	records chan *model.PacketRecord
	closed  chan struct{}
	dropped atomic.Uint64
}

// NewStreamSource connects and subscribes immediately.
func NewStreamSource(cfg config.ProbeConfig) (*StreamSource, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", cfg.NATSURL)

	s := &StreamSource{
		nc:      nc,
		subject: cfg.Subject,
		records: make(chan *model.PacketRecord, 4096),
		closed:  make(chan struct{}),
	}
	sub, err := nc.Subscribe(cfg.Subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for packet records...", cfg.Subject)
	return s, nil
}

func (s *StreamSource) handle(msg *nats.Msg) {
	rec, err := decodeRecord(msg.Data)
	if err != nil {
		s.dropped.Add(1)
		return
	}
	select {
	case s.records <- rec:
	case <-s.closed:
	default:
		// Engine is not keeping up; shed with a count rather than
		// buffering without bound.
		s.dropped.Add(1)
	}
}

// Next implements model.PacketSource. It blocks until a record arrives
// or the source is closed, which surfaces as io.EOF.
func (s *StreamSource) Next() (*model.PacketRecord, error) {
	select {
	case rec := <-s.records:
		return rec, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

// Dropped reports records shed due to decode failures or backpressure.
func (s *StreamSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the NATS connection.
func (s *StreamSource) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
	return nil
}
