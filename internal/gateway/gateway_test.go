package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/botwall/internal/action"
	"github.com/rawblock/botwall/internal/detectors"
	"github.com/rawblock/botwall/internal/history"
	"github.com/rawblock/botwall/internal/learning"
	"github.com/rawblock/botwall/internal/orchestrator"
	"github.com/rawblock/botwall/internal/policy"
	"github.com/rawblock/botwall/internal/signature"
	"github.com/rawblock/botwall/internal/store"
	"github.com/rawblock/botwall/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// closeNotifyRecorder adds the CloseNotify method gin's response writer
// asserts on the underlying writer when the reverse proxy probes for
// http.CloseNotifier; httptest.ResponseRecorder does not implement it.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

// testStack assembles a full detection stack behind a gateway, with the
// default detection policy's transitions supplied by the test.
type testStack struct {
	gateway  *Gateway
	engine   *gin.Engine
	learning *learning.Coordinator
	history  *history.Tracker
	policies *policy.Registry
}

func newTestStack(t *testing.T, upstream *url.URL, baseAction string, transitions []policy.TransitionRule, opts Options) *testStack {
	t.Helper()

	policies := policy.NewRegistry("allow")
	for _, a := range []policy.ActionPolicy{
		{Name: "allow", Kind: policy.KindAllow},
		{Name: "log-only", Kind: policy.KindLogOnly},
		{Name: "block-403", Kind: policy.KindBlock, Block: policy.BlockParams{StatusCode: 403}},
		{Name: "throttle-light", Kind: policy.KindThrottle, Throttle: policy.ThrottleParams{BaseDelayMs: 1, MaxDelayMs: 5}},
		{Name: "challenge-pow", Kind: policy.KindChallenge, Challenge: policy.ChallengeParams{
			Type: "proof_of_work", MinDifficultyBits: 8, MaxDifficultyBits: 20, TokenLifetimeSec: 600,
		}},
		{Name: "mask-pii", Kind: policy.KindMaskPII, MaskPII: policy.MaskPIIParams{MaxBodyBytes: 1 << 20}},
	} {
		if err := policies.RegisterActionPolicy(a); err != nil {
			t.Fatalf("RegisterActionPolicy: %v", err)
		}
	}
	if baseAction == "" {
		baseAction = "allow"
	}
	if err := policies.RegisterDetectionPolicy(policy.DetectionPolicy{
		Name:                    "default",
		EarlyExitThreshold:      0.9,
		ImmediateBlockThreshold: 0.95,
		WallClockBudgetMs:       200,
		ActionPolicyName:        baseAction,
		Transitions:             transitions,
	}); err != nil {
		t.Fatalf("RegisterDetectionPolicy: %v", err)
	}

	reg := detectors.NewRegistry()
	for _, d := range []detectors.Detector{
		detectors.NewUserAgentDetector(),
		detectors.NewHeaderDetector(),
		detectors.NewNetworkDetector(nil),
		detectors.NewFingerprintDetector(),
		detectors.NewVerifierDetector(),
		detectors.NewPathScanDetector(),
	} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	svc, err := signature.NewService([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	coord := learning.NewCoordinator(16, func(ctx context.Context, task learning.Task) error {
		return nil
	})
	t.Cleanup(func() { coord.Shutdown(time.Second) })

	tracker := history.NewTracker(history.Config{})
	det := orchestrator.New(
		orchestrator.Config{},
		svc, reg, policies,
		store.NewWeights(), nil, nil,
		detectors.NewNetworkDetector(nil),
		tracker, coord, nil,
	)

	gw := New(opts, det, policies, svc, action.NewMasker(0), upstream)
	engine := gin.New()
	engine.NoRoute(gw.Handle)

	return &testStack{gateway: gw, engine: engine, learning: coord, history: tracker, policies: policies}
}

func humanRequest(path string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Referer", "https://www.example.com/")
	req.RemoteAddr = "203.0.113.10:40312"
	return req
}

func curlRequest(path string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	req.RemoteAddr = "203.0.113.10:40312"
	return req
}

func TestGateway_HumanPassesThroughWithHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("upstream says hi"))
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", []policy.TransitionRule{
		{WhenRiskExceeds: 0.7, ActionPolicy: "block-403"},
	}, Options{})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, humanRequest("/products"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "upstream says hi" {
		t.Errorf("body = %q", got)
	}
	if rec.Header().Get("X-Bot-Detection") != "false" {
		t.Errorf("X-Bot-Detection = %q, want false", rec.Header().Get("X-Bot-Detection"))
	}
	if rec.Header().Get("X-Bot-Risk-Band") == "" {
		t.Errorf("X-Bot-Risk-Band missing")
	}
	if rec.Header().Get("X-Bot-Probability") == "" {
		t.Errorf("X-Bot-Probability missing")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Errorf("X-Request-Id missing")
	}
	if rec.Header().Get("X-Bot-Detection-Reasons") != "" {
		t.Errorf("reasons exposed without opt-in")
	}
}

func TestGateway_BlocksScriptedClient(t *testing.T) {
	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", []policy.TransitionRule{
		{WhenRiskExceeds: 0.7, ActionPolicy: "block-403"},
	}, Options{})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, curlRequest("/"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if upstreamHit {
		t.Errorf("blocked request must not reach the upstream")
	}
	if rec.Header().Get("X-Bot-Detection") != "true" {
		t.Errorf("X-Bot-Detection = %q, want true", rec.Header().Get("X-Bot-Detection"))
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("block body is not JSON: %v", err)
	}
	if body["requestId"] == "" {
		t.Errorf("block body missing requestId")
	}
}

func TestGateway_ChallengeCarriesDifficulty(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", []policy.TransitionRule{
		{WhenRiskExceeds: 0.7, ActionPolicy: "challenge-pow"},
	}, Options{})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, curlRequest("/"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var body struct {
		Challenge struct {
			Type           string `json:"type"`
			DifficultyBits int    `json:"difficultyBits"`
		} `json:"challenge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("challenge body: %v", err)
	}
	if body.Challenge.Type != "proof_of_work" {
		t.Errorf("challenge type = %q", body.Challenge.Type)
	}
	// High probability scales difficulty towards the 20-bit ceiling.
	if body.Challenge.DifficultyBits < 15 {
		t.Errorf("difficultyBits = %d, want scaled up", body.Challenge.DifficultyBits)
	}
}

func TestGateway_ThrottleStillForwards(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("slow lane"))
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", []policy.TransitionRule{
		{WhenRiskExceeds: 0.7, ActionPolicy: "throttle-light"},
	}, Options{})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, curlRequest("/"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "slow lane" {
		t.Errorf("throttled request must still reach the upstream")
	}
}

func TestGateway_MasksPIIInResponses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"contact":"jane.doe@example.com","note":"call 555-123-4567"}`))
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "mask-pii", nil, Options{MaskingEnabled: true})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, humanRequest("/export"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "jane.doe@example.com") {
		t.Errorf("email leaked through masking: %s", body)
	}
	if !strings.Contains(body, "[masked-email]") {
		t.Errorf("placeholder missing: %s", body)
	}
	if rec.Header().Get("X-PII-Masked") == "" {
		t.Errorf("X-PII-Masked header missing")
	}
}

func TestGateway_MaskingSkipsBinaryBodies(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "mask-pii", nil, Options{MaskingEnabled: true})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, humanRequest("/image.png"))

	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("binary body must pass through untouched")
	}
}

func TestGateway_ExposedReasonsOptIn(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", []policy.TransitionRule{
		{WhenRiskExceeds: 0.7, ActionPolicy: "block-403"},
	}, Options{ExposeReasons: true})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, curlRequest("/"))

	raw := rec.Header().Get("X-Bot-Detection-Reasons")
	if raw == "" {
		t.Fatalf("reasons header missing with opt-in")
	}
	var reasons []string
	if err := json.Unmarshal([]byte(raw), &reasons); err != nil {
		t.Fatalf("reasons header is not a JSON array: %v", err)
	}
	if len(reasons) == 0 {
		t.Errorf("expected at least one reason")
	}
}

func TestGateway_ClientProbeFeedsFingerprint(t *testing.T) {
	probeSeen := "unset"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probeSeen = r.Header.Get("X-Client-Probe")
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", nil, Options{})

	req := humanRequest("/account")
	req.Header.Set("X-Client-Probe", `{"screenWidth":1920,"screenHeight":1080,"hasPlugins":true,"hasWebgl":true}`)
	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, req)

	ev, sigs, ok := stack.gateway.Recent(rec.Header().Get("X-Request-Id"))
	if !ok {
		t.Fatalf("classified request missing from the recent window")
	}
	if sigs.ClientFingerprintHash == "" {
		t.Errorf("probe payload did not produce a fingerprint hash")
	}
	contributed := false
	for _, name := range ev.ContributingDetectors {
		if name == "fingerprint-integrity" {
			contributed = true
		}
	}
	if !contributed {
		t.Errorf("fingerprint detector did not contribute: %v", ev.ContributingDetectors)
	}
	if probeSeen != "" {
		t.Errorf("probe header must not reach the upstream, got %q", probeSeen)
	}
}

func TestHub_DropsOldestForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	slow := &subscriber{send: make(chan []byte, 2)}
	hub.subs[slow] = true

	for i := 0; i < 5; i++ {
		hub.PublishDetection(models.DetectionEvent{RequestID: string(rune('a' + i))})
	}

	if len(slow.send) != 2 {
		t.Fatalf("queue depth = %d, want 2", len(slow.send))
	}
	if slow.dropped != 3 {
		t.Errorf("dropped = %d, want 3", slow.dropped)
	}
	// The survivors are the newest two events.
	var got []string
	for len(slow.send) > 0 {
		var ev models.DetectionEvent
		if err := json.Unmarshal(<-slow.send, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, ev.RequestID)
	}
	if got[0] != "d" || got[1] != "e" {
		t.Errorf("survivors = %v, want [d e]", got)
	}
}

func TestRecentVerdicts_EvictsOldest(t *testing.T) {
	r := newRecentVerdicts(2)
	r.put("a", &models.AggregatedEvidence{}, models.Signatures{})
	r.put("b", &models.AggregatedEvidence{}, models.Signatures{})
	r.put("c", &models.AggregatedEvidence{}, models.Signatures{})

	if _, ok := r.get("a"); ok {
		t.Errorf("oldest entry must be evicted")
	}
	if _, ok := r.get("b"); !ok {
		t.Errorf("entry b lost")
	}
	if _, ok := r.get("c"); !ok {
		t.Errorf("entry c lost")
	}
	if r.len() != 2 {
		t.Errorf("len = %d, want 2", r.len())
	}
}

func TestRateLimiter_EnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	engine := gin.New()
	engine.GET("/x", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := newCloseNotifyRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		req.RemoteAddr = "203.0.113.20:1000"
		engine.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}

func TestAdmin_FeedbackRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", nil, Options{})
	hub := NewHub()
	admin := SetupAdminRouter(AdminDeps{
		Gateway:    stack.gateway,
		Hub:        hub,
		Policies:   stack.policies,
		Learning:   stack.learning,
		History:    stack.history,
		Reputation: store.NewReputation(0),
		Weights:    store.NewWeights(),
	})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, curlRequest("/"))
	requestID := rec.Header().Get("X-Request-Id")
	if requestID == "" {
		t.Fatalf("no request id issued")
	}

	payload, _ := json.Marshal(map[string]any{"requestId": requestID, "wasBot": true})
	fbRec := httptest.NewRecorder()
	fbReq := httptest.NewRequest("POST", "/api/v1/feedback", bytes.NewReader(payload))
	fbReq.Header.Set("Content-Type", "application/json")
	admin.ServeHTTP(fbRec, fbReq)

	if fbRec.Code != http.StatusOK {
		t.Fatalf("feedback status = %d, body %s", fbRec.Code, fbRec.Body.String())
	}
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(fbRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("feedback body: %v", err)
	}
	if !resp.Accepted {
		t.Errorf("feedback not accepted")
	}

	// Unknown ids are a 404, not a silent success.
	missing, _ := json.Marshal(map[string]any{"requestId": "nope", "wasBot": false})
	missRec := httptest.NewRecorder()
	missReq := httptest.NewRequest("POST", "/api/v1/feedback", bytes.NewReader(missing))
	missReq.Header.Set("Content-Type", "application/json")
	admin.ServeHTTP(missRec, missReq)
	if missRec.Code != http.StatusNotFound {
		t.Errorf("unknown request id = %d, want 404", missRec.Code)
	}
}

func TestAdmin_HealthAndStats(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	stack := newTestStack(t, u, "", nil, Options{})
	admin := SetupAdminRouter(AdminDeps{
		Gateway:    stack.gateway,
		Hub:        NewHub(),
		Alerts:     NewAlertSink(""),
		Policies:   stack.policies,
		Learning:   stack.learning,
		History:    stack.history,
		Reputation: store.NewReputation(0),
		Weights:    store.NewWeights(),
	})

	rec := newCloseNotifyRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var health struct {
		Status      string `json:"status"`
		DBConnected bool   `json:"dbConnected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if health.Status != "operational" || health.DBConnected {
		t.Errorf("health = %+v", health)
	}

	// A classified request shows up in the stats counters.
	gwRec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(gwRec, humanRequest("/"))

	statsRec := httptest.NewRecorder()
	admin.ServeHTTP(statsRec, httptest.NewRequest("GET", "/api/v1/stats", nil))
	if statsRec.Code != http.StatusOK {
		t.Fatalf("stats = %d", statsRec.Code)
	}
	var stats struct {
		TrackedSignatures int `json:"trackedSignatures"`
		RecentVerdicts    int `json:"recentVerdicts"`
	}
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats body: %v", err)
	}
	if stats.TrackedSignatures < 1 || stats.RecentVerdicts < 1 {
		t.Errorf("stats not populated: %+v", stats)
	}

	// Detections endpoint degrades cleanly without a database.
	detRec := httptest.NewRecorder()
	admin.ServeHTTP(detRec, httptest.NewRequest("GET", "/api/v1/detections", nil))
	if detRec.Code != http.StatusServiceUnavailable {
		t.Errorf("detections without db = %d, want 503", detRec.Code)
	}
}

func TestGateway_UpstreamFailureIs502(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1") // nothing listens here
	stack := newTestStack(t, u, "", nil, Options{})

	rec := newCloseNotifyRecorder()
	stack.engine.ServeHTTP(rec, humanRequest("/"))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
