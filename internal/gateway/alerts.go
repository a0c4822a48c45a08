package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/botwall/pkg/models"
)

// Webhook Alerts
//
// High-risk detections are pushed to registered webhook endpoints (Slack,
// Discord, SIEM) in a common JSON shape. Delivery is async and best-effort;
// a dead webhook never slows the request path. A bounded in-memory history
// backs the admin API.

// Alert is the webhook payload for one noteworthy detection.
type Alert struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	RiskBand  models.RiskBand        `json:"riskBand"`
	AlertType string                 `json:"alertType"` // high_risk/blocked/early_exit
	Title     string                 `json:"title"`
	RequestID string                 `json:"requestId"`
	Signature string                 `json:"signature"`
	Path      string                 `json:"path"`
	Event     *models.DetectionEvent `json:"event,omitempty"`
}

// WebhookEndpoint is one registered receiver.
type WebhookEndpoint struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Enabled bool              `json:"enabled"`
	Headers map[string]string `json:"headers,omitempty"`
	// MinRiskBand filters deliveries; only detections at or above it are
	// pushed to this endpoint.
	MinRiskBand models.RiskBand `json:"minRiskBand"`
}

// AlertSink watches the detection stream and fans qualifying events out
// to webhooks. It implements the same event-sink contract as the hub so
// the composition root can stack them.
type AlertSink struct {
	mu         sync.RWMutex
	webhooks   []WebhookEndpoint
	recent     []Alert
	maxHistory int
	httpClient *http.Client
	// minBand gates history and delivery globally; endpoint thresholds
	// can only be stricter.
	minBand models.RiskBand
}

func NewAlertSink(minBand models.RiskBand) *AlertSink {
	if minBand == "" {
		minBand = models.BandHigh
	}
	return &AlertSink{
		webhooks:   make([]WebhookEndpoint, 0),
		recent:     make([]Alert, 0),
		maxHistory: 1000,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		minBand:    minBand,
	}
}

// RegisterWebhook adds an endpoint. Re-registering a name replaces it.
// An unknown risk band is rejected here rather than silently matching
// every event later.
func (s *AlertSink) RegisterWebhook(name, url string, minBand models.RiskBand, headers map[string]string) error {
	if minBand == "" {
		minBand = s.minBand
	}
	if _, ok := bandLevel(minBand); !ok {
		return fmt.Errorf("unknown risk band %q", minBand)
	}
	ep := WebhookEndpoint{Name: name, URL: url, Enabled: true, Headers: headers, MinRiskBand: minBand}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, wh := range s.webhooks {
		if wh.Name == name {
			s.webhooks[i] = ep
			log.Printf("[Alerts] Replaced webhook %s -> %s (min %s)", name, url, minBand)
			return nil
		}
	}
	s.webhooks = append(s.webhooks, ep)
	log.Printf("[Alerts] Registered webhook %s -> %s (min %s)", name, url, minBand)
	return nil
}

// RemoveWebhook deletes an endpoint by name.
func (s *AlertSink) RemoveWebhook(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, wh := range s.webhooks {
		if wh.Name == name {
			s.webhooks = append(s.webhooks[:i], s.webhooks[i+1:]...)
			return true
		}
	}
	return false
}

// Webhooks lists the registered endpoints.
func (s *AlertSink) Webhooks() []WebhookEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WebhookEndpoint, len(s.webhooks))
	copy(out, s.webhooks)
	return out
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *AlertSink) RecentAlerts(limit int) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}

// PublishDetection filters the event and, when it qualifies, records an
// alert and pushes it to every matching webhook.
func (s *AlertSink) PublishDetection(ev models.DetectionEvent) {
	if !bandAtLeast(ev.RiskBand, s.minBand) {
		return
	}

	alertType := "high_risk"
	title := "High-risk client detected"
	if ev.ActionKind == string(models.ActionBlock) {
		alertType = "blocked"
		title = "Client blocked"
	} else if ev.EarlyExit {
		alertType = "early_exit"
		title = "Immediate verdict on high-risk client"
	}

	evCopy := ev
	alert := Alert{
		ID:        uuid.NewString(),
		Timestamp: time.UnixMilli(ev.TimestampMs),
		RiskBand:  ev.RiskBand,
		AlertType: alertType,
		Title:     title,
		RequestID: ev.RequestID,
		Signature: ev.PrimarySignature,
		Path:      ev.Path,
		Event:     &evCopy,
	}

	s.mu.Lock()
	s.recent = append(s.recent, alert)
	if len(s.recent) > s.maxHistory {
		s.recent = s.recent[len(s.recent)-s.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(s.webhooks))
	copy(webhooks, s.webhooks)
	s.mu.Unlock()

	for _, wh := range webhooks {
		if !wh.Enabled || !bandAtLeast(alert.RiskBand, wh.MinRiskBand) {
			continue
		}
		go s.deliver(wh, alert)
	}
}

func (s *AlertSink) deliver(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[Alerts] Failed to marshal alert: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Alerts] Bad webhook request for %s: %v", wh.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("[Alerts] Delivery to %s failed: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Printf("[Alerts] Webhook %s returned status %d", wh.Name, resp.StatusCode)
	}
}

// bandLevel orders the alertable risk bands. Verified is deliberately
// absent: verified crawlers never alert.
func bandLevel(band models.RiskBand) (int, bool) {
	levels := map[models.RiskBand]int{
		models.BandVeryLow:  0,
		models.BandLow:      1,
		models.BandMedium:   2,
		models.BandHigh:     3,
		models.BandVeryHigh: 4,
	}
	lv, ok := levels[band]
	return lv, ok
}

func bandAtLeast(band, minimum models.RiskBand) bool {
	lv, ok := bandLevel(band)
	if !ok {
		return false
	}
	floor, _ := bandLevel(minimum)
	return lv >= floor
}
