package notification

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

func testIncident() *model.Incident {
	return &model.Incident{
		ID:         "inc-1",
		Severity:   model.SeverityCritical,
		AttackType: model.AttackPortScan,
		State:      model.IncidentActioned,
		SourceIP:   "192.168.0.9",
		Title:      "port_scan from 192.168.0.9",
	}
}

func TestDispatcher_WebhookDelivery(t *testing.T) {
	var received atomic.Int32
	var gotID atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var inc model.Incident
		if err := json.NewDecoder(r.Body).Decode(&inc); err != nil {
			t.Errorf("Bad webhook payload: %v", err)
		}
		gotID.Store(inc.ID)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(config.NotificationConfig{
		QueueSize:      8,
		DeliverTimeout: "2s",
		Webhooks:       []config.WebhookConfig{{Name: "test", URL: server.URL}},
	})
	d.Start()

	if err := d.Notify(testIncident()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	d.Stop() // drains the queue

	if received.Load() != 1 {
		t.Fatalf("Expected 1 webhook delivery, got %d", received.Load())
	}
	if gotID.Load() != "inc-1" {
		t.Errorf("Webhook got incident %v", gotID.Load())
	}
}

func TestDispatcher_FailingTargetNeverBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDispatcher(config.NotificationConfig{
		QueueSize:      8,
		DeliverTimeout: "1s",
		Webhooks:       []config.WebhookConfig{{Name: "broken", URL: server.URL}},
	})
	d.Start()
	defer d.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Notify(testIncident())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a failing target")
	}
}

func TestDispatcher_FullQueueSheds(t *testing.T) {
	d := NewDispatcher(config.NotificationConfig{QueueSize: 1, DeliverTimeout: "1s"})
	// Worker not started: queue fills at one entry

	if err := d.Notify(testIncident()); err != nil {
		t.Fatalf("First notify should fit the queue: %v", err)
	}
	if err := d.Notify(testIncident()); err == nil {
		t.Fatal("Second notify should have been shed")
	}
	if d.Dropped() != 1 {
		t.Errorf("Expected 1 dropped notification, got %d", d.Dropped())
	}
}
