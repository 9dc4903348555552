// Package notification fans incident transitions out to external
// collaborators. Delivery is best-effort: a slow or failing subscriber
// never blocks the orchestrator.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// Subscriber delivers one incident to one external target.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, incident *model.Incident) error
}

// Dispatcher implements model.Notifier: Notify enqueues onto a bounded
// channel drained by a worker that walks the subscribers, each delivery
// bounded by the configured timeout.
type Dispatcher struct {
	subscribers []Subscriber
	queue       chan *model.Incident
	timeout     time.Duration

	mu      sync.Mutex
	dropped uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDispatcher wires subscribers from configuration: one per webhook
// target, one email subscriber when SMTP is configured, and always the
// log subscriber.
func NewDispatcher(cfg config.NotificationConfig) *Dispatcher {
	d := &Dispatcher{
		queue:   make(chan *model.Incident, cfg.QueueSize),
		timeout: config.Duration(cfg.DeliverTimeout),
		quit:    make(chan struct{}),
	}
	d.subscribers = append(d.subscribers, &logSubscriber{})
	for _, wh := range cfg.Webhooks {
		d.subscribers = append(d.subscribers, newWebhookSubscriber(wh))
	}
	if cfg.SMTP.Host != "" {
		d.subscribers = append(d.subscribers, newEmailSubscriber(cfg.SMTP))
	}
	return d
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains queued incidents and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.wg.Wait()
	log.Println("Notification dispatcher stopped.")
}

// Notify implements model.Notifier. A full queue drops the incident and
// counts it.
func (d *Dispatcher) Notify(incident *model.Incident) error {
	select {
	case d.queue <- incident:
		return nil
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return fmt.Errorf("notification queue full, dropped incident %s", incident.ID)
	}
}

// Dropped reports shed notifications for the status surface.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case inc := <-d.queue:
			d.deliver(inc)
		case <-d.quit:
			for {
				select {
				case inc := <-d.queue:
					d.deliver(inc)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(inc *model.Incident) {
	for _, sub := range d.subscribers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := sub.Deliver(ctx, inc); err != nil {
			log.Printf("[ALERT] delivery to %s failed for incident %s: %v", sub.Name(), inc.ID, err)
		}
		cancel()
	}
}

// logSubscriber writes every transition to the process log. Always
// active so that incidents are visible even with no external targets.
type logSubscriber struct{}

func (s *logSubscriber) Name() string { return "log" }

func (s *logSubscriber) Deliver(_ context.Context, inc *model.Incident) error {
	log.Printf("[ALERT] [%s] %s incident %s: %s (state %s, %d scores)",
		inc.Severity, inc.AttackType, inc.ID, inc.Title, inc.State, len(inc.Scores))
	return nil
}

// webhookSubscriber POSTs the incident as JSON to one HTTP target.
type webhookSubscriber struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func newWebhookSubscriber(cfg config.WebhookConfig) *webhookSubscriber {
	return &webhookSubscriber{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{},
	}
}

func (s *webhookSubscriber) Name() string { return s.name }

func (s *webhookSubscriber) Deliver(ctx context.Context, inc *model.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", s.url, resp.Status)
	}
	return nil
}

// emailSubscriber sends incident transitions over SMTP.
type emailSubscriber struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
}

func newEmailSubscriber(cfg config.SMTPConfig) *emailSubscriber {
	// PlainAuth will not send credentials until the server identifies
	// itself as a trusted one.
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	return &emailSubscriber{cfg: cfg, auth: auth}
}

func (s *emailSubscriber) Name() string { return "email" }

func (s *emailSubscriber) Deliver(_ context.Context, inc *model.Incident) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	recipients := strings.Split(s.cfg.To, ",")

	subject := fmt.Sprintf("[NetSentry] %s %s from %s (%s)", inc.Severity, inc.AttackType, inc.SourceIP, inc.State)
	var body strings.Builder
	fmt.Fprintf(&body, "Incident %s\r\nSeverity: %s\r\nAttack: %s\r\nSource: %s\r\nTarget: %s\r\nState: %s\r\nScores: %d\r\n",
		inc.ID, inc.Severity, inc.AttackType, inc.SourceIP, inc.TargetIP, inc.State, len(inc.Scores))
	for _, sc := range inc.Scores {
		fmt.Fprintf(&body, "  - %.2f (%s) %s\r\n", sc.Score, sc.Method, sc.Explanation)
	}

	msg := []byte("To: " + s.cfg.To + "\r\n" +
		"From: " + s.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		body.String())

	if err := smtp.SendMail(addr, s.auth, s.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
