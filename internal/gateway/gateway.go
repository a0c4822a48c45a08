package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/botwall/internal/action"
	"github.com/rawblock/botwall/internal/metrics"
	"github.com/rawblock/botwall/internal/orchestrator"
	"github.com/rawblock/botwall/internal/policy"
	"github.com/rawblock/botwall/internal/signature"
	"github.com/rawblock/botwall/pkg/models"
)

// Gateway is the inline reverse proxy: every inbound request is
// classified, annotated with X-Bot-* headers, and then allowed through,
// slowed down, challenged, redirected, or blocked according to the
// resolved action. Detection is best-effort — a pipeline failure fails
// open.

type Options struct {
	BotThreshold  float64
	ExposeReasons bool
	// MaskingEnabled gates response-body PII masking globally; the
	// per-policy action still has to select it.
	MaskingEnabled bool
	RecentWindow   int
}

type Gateway struct {
	opts       Options
	detector   *orchestrator.Orchestrator
	policies   *policy.Registry
	signatures *signature.Service
	masker     *action.Masker
	recent     *recentVerdicts
	proxy      *httputil.ReverseProxy
}

type ctxKey int

const decisionKey ctxKey = 0

// New builds the gateway in front of the given upstream.
func New(opts Options, detector *orchestrator.Orchestrator, policies *policy.Registry,
	signatures *signature.Service, masker *action.Masker, upstream *url.URL) *Gateway {

	if opts.BotThreshold <= 0 {
		opts.BotThreshold = 0.7
	}
	g := &Gateway{
		opts:       opts,
		detector:   detector,
		policies:   policies,
		signatures: signatures,
		masker:     masker,
		recent:     newRecentVerdicts(opts.RecentWindow),
	}
	g.proxy = httputil.NewSingleHostReverseProxy(upstream)
	g.proxy.ModifyResponse = g.maskResponse
	g.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[Gateway] Upstream error for %s %s: %v", r.Method, r.URL.Path, err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return g
}

// Router returns the proxy-side engine: every route goes through
// detection.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.NoRoute(g.Handle)
	return r
}

// Recent looks up a previously classified request for the feedback
// endpoint.
func (g *Gateway) Recent(requestID string) (*models.AggregatedEvidence, models.Signatures, bool) {
	e, ok := g.recent.get(requestID)
	if !ok {
		return nil, models.Signatures{}, false
	}
	return e.evidence, e.signatures, true
}

// Handle classifies one request and executes the resolved action.
func (g *Gateway) Handle(c *gin.Context) {
	f := featuresFrom(c.Request, c.ClientIP())

	ev, err := g.detector.Detect(c.Request.Context(), f)
	if err != nil {
		log.Printf("[Gateway] Detection error for %s %s: %v", f.Method, f.Path, err)
	}
	if ev == nil {
		// Detection is advisory; the proxy never takes the site down.
		g.forward(c, models.ActionDecision{Kind: models.ActionAllow})
		return
	}

	g.recent.put(f.RequestID, ev, g.signatures.Compute(f))
	g.observe(ev)
	g.setHeaders(c, f.RequestID, ev)

	decision := g.resolveDecision(ev)
	metrics.ActionsTotal.WithLabelValues(string(decision.Kind)).Inc()

	switch decision.Kind {
	case models.ActionBlock:
		c.AbortWithStatusJSON(decision.StatusCode, gin.H{
			"error":     "Forbidden",
			"requestId": f.RequestID,
		})

	case models.ActionThrottle:
		if !g.throttle(c, decision.DelayMs) {
			return // client went away while we were stalling it
		}
		g.forward(c, decision)

	case models.ActionChallenge:
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"challenge": gin.H{
				"type":             decision.ChallengeType,
				"difficultyBits":   decision.DifficultyBits,
				"tokenLifetimeSec": decision.TokenLifetimeSec,
			},
			"requestId": f.RequestID,
		})

	case models.ActionRedirect:
		status := http.StatusFound
		if decision.Permanent {
			status = http.StatusMovedPermanently
		}
		c.Redirect(status, decision.RedirectURL)
		c.Abort()

	case models.ActionLogOnly:
		log.Printf("[Gateway] %s %s classified band=%s p=%.2f action=log_only",
			f.Method, f.Path, ev.RiskBand, ev.BotProbability)
		g.forward(c, decision)

	default: // allow, mask_pii
		g.forward(c, decision)
	}
}

// resolveDecision maps the pipeline's selected action policy to a
// concrete decision, degrading to the global default on a stale name.
func (g *Gateway) resolveDecision(ev *models.AggregatedEvidence) models.ActionDecision {
	ap, err := g.policies.ResolveActionPolicy(ev.TriggeredActionPolicy)
	if err != nil {
		log.Printf("[Gateway] Action policy %q unknown, using global default", ev.TriggeredActionPolicy)
		ap, err = g.policies.ResolveActionPolicy(g.policies.GlobalDefaultAction())
		if err != nil {
			return models.ActionDecision{Kind: models.ActionAllow}
		}
	}
	return action.Resolve(ev, ap)
}

func (g *Gateway) forward(c *gin.Context, decision models.ActionDecision) {
	// The probe payload is for the pipeline, not the upstream.
	c.Request.Header.Del(probeHeader)
	ctx := context.WithValue(c.Request.Context(), decisionKey, decision)
	g.proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

// throttle stalls the handler for the computed delay. Returns false when
// the client disconnected first.
func (g *Gateway) throttle(c *gin.Context, delayMs int64) bool {
	if delayMs <= 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.Request.Context().Done():
		return false
	}
}

func (g *Gateway) setHeaders(c *gin.Context, requestID string, ev *models.AggregatedEvidence) {
	h := c.Writer.Header()
	h.Set("X-Request-Id", requestID)
	h.Set("X-Bot-Detection", strconv.FormatBool(ev.IsBot(g.opts.BotThreshold)))
	h.Set("X-Bot-Probability", fmt.Sprintf("%.2f", ev.BotProbability))
	h.Set("X-Bot-Risk-Band", string(ev.RiskBand))
	if ev.PrimaryBotType != "" && ev.PrimaryBotType != models.BotTypeUnknown {
		h.Set("X-Bot-Type", string(ev.PrimaryBotType))
	}
	if ev.PrimaryBotName != "" {
		h.Set("X-Bot-Name", ev.PrimaryBotName)
	}
	h.Set("X-Bot-Detection-Time", fmt.Sprintf("%.2f", ev.TotalProcessingTimeMs))

	if g.opts.ExposeReasons {
		reasons := make([]string, 0, 5)
		for _, contrib := range ev.Contributions {
			if contrib.Reason == "" {
				continue
			}
			reasons = append(reasons, contrib.Reason)
			if len(reasons) == 5 {
				break
			}
		}
		if payload, err := json.Marshal(reasons); err == nil {
			h.Set("X-Bot-Detection-Reasons", string(payload))
		}
	}
}

func (g *Gateway) observe(ev *models.AggregatedEvidence) {
	metrics.ObserveDetection(string(ev.RiskBand), ev.TotalProcessingTimeMs, ev.FromCache)
	if ev.EarlyExitVerdict != models.VerdictNone {
		metrics.EarlyExitsTotal.WithLabelValues(string(ev.EarlyExitVerdict)).Inc()
	}
	for _, name := range ev.FailedDetectors {
		metrics.DetectorFailuresTotal.WithLabelValues(name).Inc()
	}
}

// maskResponse rewrites PII in upstream response bodies when the request
// was resolved to the masking action. Any failure fails open: the
// original body passes through untouched and the failure is counted.
func (g *Gateway) maskResponse(resp *http.Response) error {
	decision, ok := resp.Request.Context().Value(decisionKey).(models.ActionDecision)
	if !ok || decision.Kind != models.ActionMaskPII || !g.opts.MaskingEnabled || g.masker == nil {
		return nil
	}

	// Chunked responses report -1; the limited read below enforces the
	// budget for those.
	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	if !g.masker.Eligible(resp.Header.Get("Content-Type"), size) {
		return nil
	}

	limit := g.masker.MaxBodyBytes()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		log.Printf("[Gateway] Masking read failed, passing body through: %v", err)
		metrics.MaskingFailOpenTotal.Inc()
		resp.Body = newReplayBody(body, resp.Body)
		return nil
	}
	if int64(len(body)) > limit {
		// Body larger than the declared length budget: too big to buffer.
		metrics.MaskingFailOpenTotal.Inc()
		resp.Body = newReplayBody(body, resp.Body)
		return nil
	}

	masked, n := g.masker.Mask(body)
	if n > 0 {
		resp.Header.Set("X-PII-Masked", strconv.Itoa(n))
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(masked))
	resp.ContentLength = int64(len(masked))
	resp.Header.Set("Content-Length", strconv.Itoa(len(masked)))
	return nil
}

// newReplayBody stitches already-read bytes back in front of the rest of
// the stream for the fail-open path.
func newReplayBody(read []byte, rest io.ReadCloser) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(read), rest), rest}
}
