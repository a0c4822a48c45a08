package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rawblock/botwall/internal/detectors"
	"github.com/rawblock/botwall/internal/history"
	"github.com/rawblock/botwall/internal/orchestrator"
	"github.com/rawblock/botwall/internal/policy"
	"github.com/rawblock/botwall/internal/signature"
	"github.com/rawblock/botwall/internal/store"
	"github.com/rawblock/botwall/pkg/models"
)

func TestAlertSink_DeliversToWebhook(t *testing.T) {
	received := make(chan Alert, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			t.Errorf("webhook payload: %v", err)
		}
		if r.Header.Get("X-Team") != "soc" {
			t.Errorf("custom header not forwarded")
		}
		received <- a
	}))
	defer hook.Close()

	sink := NewAlertSink(models.BandHigh)
	if err := sink.RegisterWebhook("soc", hook.URL, models.BandHigh, map[string]string{"X-Team": "soc"}); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}

	sink.PublishDetection(models.DetectionEvent{
		RequestID:        "req-1",
		TimestampMs:      time.Now().UnixMilli(),
		Path:             "/login",
		PrimarySignature: "abc123",
		BotProbability:   0.97,
		RiskBand:         models.BandVeryHigh,
		ActionKind:       string(models.ActionBlock),
	})

	select {
	case alert := <-received:
		if alert.AlertType != "blocked" {
			t.Errorf("alertType = %s, want blocked", alert.AlertType)
		}
		if alert.Signature != "abc123" || alert.RequestID != "req-1" {
			t.Errorf("alert identity fields wrong: %+v", alert)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook never called")
	}

	if got := sink.RecentAlerts(10); len(got) != 1 {
		t.Errorf("history length = %d, want 1", len(got))
	}
}

func TestAlertSink_ClassifiesBlockedFromPipeline(t *testing.T) {
	sink := NewAlertSink(models.BandHigh)

	policies := policy.NewRegistry("allow")
	for _, a := range []policy.ActionPolicy{
		{Name: "allow", Kind: policy.KindAllow},
		{Name: "block-403", Kind: policy.KindBlock, Block: policy.BlockParams{StatusCode: 403}},
	} {
		if err := policies.RegisterActionPolicy(a); err != nil {
			t.Fatalf("RegisterActionPolicy: %v", err)
		}
	}
	if err := policies.RegisterDetectionPolicy(policy.DetectionPolicy{
		Name:               "default",
		EarlyExitThreshold: 0.9,
		WallClockBudgetMs:  200,
		ActionPolicyName:   "allow",
		Transitions: []policy.TransitionRule{
			{WhenRiskExceeds: 0.7, ActionPolicy: "block-403"},
		},
	}); err != nil {
		t.Fatalf("RegisterDetectionPolicy: %v", err)
	}

	reg := detectors.NewRegistry()
	_ = reg.Register(detectors.NewUserAgentDetector())
	_ = reg.Register(detectors.NewHeaderDetector())

	svc, err := signature.NewService([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	det := orchestrator.New(
		orchestrator.Config{}, svc, reg, policies,
		store.NewWeights(), nil, nil,
		detectors.NewNetworkDetector(nil),
		history.NewTracker(history.Config{}),
		nil, sink,
	)

	f := featuresFrom(curlRequest("/"), "203.0.113.10")
	if _, err := det.Detect(context.Background(), f); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	alerts := sink.RecentAlerts(1)
	if len(alerts) != 1 {
		t.Fatalf("pipeline detection did not produce an alert")
	}
	if alerts[0].AlertType != "blocked" {
		t.Errorf("alertType = %s, want blocked", alerts[0].AlertType)
	}
	if alerts[0].Event == nil || alerts[0].Event.ActionKind != string(models.ActionBlock) {
		t.Errorf("event actionKind not carried through: %+v", alerts[0].Event)
	}
}

func TestAlertSink_FiltersBelowMinBand(t *testing.T) {
	called := false
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer hook.Close()

	sink := NewAlertSink(models.BandHigh)
	if err := sink.RegisterWebhook("soc", hook.URL, models.BandHigh, nil); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}

	sink.PublishDetection(models.DetectionEvent{RiskBand: models.BandLow})
	sink.PublishDetection(models.DetectionEvent{RiskBand: models.BandMedium})
	// Verified crawlers never alert, whatever the probability.
	sink.PublishDetection(models.DetectionEvent{RiskBand: models.BandVerified, BotProbability: 0.99})

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Errorf("sub-threshold events must not reach webhooks")
	}
	if got := sink.RecentAlerts(10); len(got) != 0 {
		t.Errorf("history = %d entries, want 0", len(got))
	}
}

func TestAlertSink_EndpointFilterIsStricter(t *testing.T) {
	calls := make(chan struct{}, 2)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
	}))
	defer hook.Close()

	sink := NewAlertSink(models.BandHigh)
	if err := sink.RegisterWebhook("critical-only", hook.URL, models.BandVeryHigh, nil); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}

	sink.PublishDetection(models.DetectionEvent{RiskBand: models.BandHigh})
	sink.PublishDetection(models.DetectionEvent{RiskBand: models.BandVeryHigh})

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("VeryHigh alert never delivered")
	}
	select {
	case <-calls:
		t.Errorf("High alert delivered to a VeryHigh-only endpoint")
	case <-time.After(100 * time.Millisecond):
	}

	// The High event still lands in history: the global floor admits it.
	if got := sink.RecentAlerts(10); len(got) != 2 {
		t.Errorf("history = %d entries, want 2", len(got))
	}
}

func TestAlertSink_RejectsUnknownBand(t *testing.T) {
	sink := NewAlertSink("")
	if err := sink.RegisterWebhook("soc", "http://hooks.invalid", "critical", nil); err == nil {
		t.Fatalf("typo'd risk band must be rejected")
	}
	// Verified never alerts, so it is not a valid delivery floor either.
	if err := sink.RegisterWebhook("soc", "http://hooks.invalid", models.BandVerified, nil); err == nil {
		t.Fatalf("Verified must be rejected as a delivery floor")
	}
	if len(sink.Webhooks()) != 0 {
		t.Errorf("rejected registration must not be stored")
	}
}

func TestAlertSink_RegisterReplaceRemove(t *testing.T) {
	sink := NewAlertSink("")
	if err := sink.RegisterWebhook("soc", "http://one.invalid", models.BandHigh, nil); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if err := sink.RegisterWebhook("soc", "http://two.invalid", models.BandVeryHigh, nil); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}

	hooks := sink.Webhooks()
	if len(hooks) != 1 {
		t.Fatalf("webhooks = %d, want 1 after replace", len(hooks))
	}
	if hooks[0].URL != "http://two.invalid" || hooks[0].MinRiskBand != models.BandVeryHigh {
		t.Errorf("replacement not applied: %+v", hooks[0])
	}

	if !sink.RemoveWebhook("soc") {
		t.Errorf("RemoveWebhook returned false for existing hook")
	}
	if sink.RemoveWebhook("soc") {
		t.Errorf("second remove must report missing")
	}
	if len(sink.Webhooks()) != 0 {
		t.Errorf("webhook list not empty after remove")
	}
}
