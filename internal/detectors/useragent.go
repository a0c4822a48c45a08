package detectors

import (
	"context"
	"strings"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// User-Agent Detector
//
// The cheapest and highest-yield signal: scripted clients rarely bother to
// fake a browser UA, and the ones that do usually pick a stale or
// inconsistent one. Matching is a straight substring table — a compiled
// regex engine buys nothing at this pattern count and costs startup time.
//
// Pattern classes:
//   command-line tools (curl, wget)     → strong bot, Tool
//   script runtimes (python, go, java)  → strong bot, Scraper
//   security scanners (sqlmap, nikto)   → strong bot, SecurityTool
//   AI crawlers (GPTBot, ClaudeBot)     → strong bot, AIAgent
//   known crawlers (Googlebot, bingbot) → claimed identity; the verifier
//                                         detector decides spoofed or not
//   headless (HeadlessChrome)           → headless signal + strong bot
//   browser-shaped                      → mild human lean

type uaPattern struct {
	needle  string
	delta   float64
	reason  string
	botType models.BotType
	botName string
}

var uaPatterns = []uaPattern{
	// Command-line tools
	{"curl/", 0.9, "curl command-line tool", models.BotTypeTool, "curl"},
	{"wget/", 0.9, "wget command-line tool", models.BotTypeTool, "wget"},
	{"httpie/", 0.85, "HTTPie command-line tool", models.BotTypeTool, "HTTPie"},

	// Script runtimes and HTTP libraries
	{"python-requests", 0.85, "python requests library", models.BotTypeScraper, "python-requests"},
	{"python-urllib", 0.85, "python urllib client", models.BotTypeScraper, "python-urllib"},
	{"aiohttp/", 0.8, "python aiohttp client", models.BotTypeScraper, "aiohttp"},
	{"go-http-client", 0.8, "Go default HTTP client", models.BotTypeScraper, "go-http-client"},
	{"java/", 0.8, "Java HTTP client", models.BotTypeScraper, "java-http"},
	{"okhttp", 0.7, "OkHttp client", models.BotTypeScraper, "okhttp"},
	{"axios/", 0.75, "axios HTTP client", models.BotTypeScraper, "axios"},
	{"node-fetch", 0.75, "node-fetch client", models.BotTypeScraper, "node-fetch"},
	{"scrapy", 0.9, "Scrapy crawling framework", models.BotTypeScraper, "Scrapy"},

	// Security tooling
	{"sqlmap", 0.95, "sqlmap injection scanner", models.BotTypeSecurityTool, "sqlmap"},
	{"nikto", 0.95, "nikto vulnerability scanner", models.BotTypeSecurityTool, "nikto"},
	{"nmap", 0.95, "nmap probe", models.BotTypeSecurityTool, "nmap"},
	{"masscan", 0.95, "masscan probe", models.BotTypeSecurityTool, "masscan"},
	{"nuclei", 0.95, "nuclei template scanner", models.BotTypeSecurityTool, "nuclei"},
	{"zgrab", 0.9, "zgrab banner scanner", models.BotTypeSecurityTool, "zgrab"},

	// AI crawlers
	{"gptbot", 0.8, "OpenAI GPTBot crawler", models.BotTypeAIAgent, "GPTBot"},
	{"claudebot", 0.8, "Anthropic ClaudeBot crawler", models.BotTypeAIAgent, "ClaudeBot"},
	{"ccbot", 0.8, "Common Crawl bot", models.BotTypeAIAgent, "CCBot"},
	{"perplexitybot", 0.8, "Perplexity crawler", models.BotTypeAIAgent, "PerplexityBot"},
	{"bytespider", 0.85, "ByteDance spider", models.BotTypeAIAgent, "Bytespider"},

	// Social preview fetchers
	{"facebookexternalhit", 0.6, "Facebook link preview", models.BotTypeSocial, "facebookexternalhit"},
	{"twitterbot", 0.6, "Twitter card fetcher", models.BotTypeSocial, "Twitterbot"},
	{"slackbot", 0.6, "Slack link expander", models.BotTypeSocial, "Slackbot"},

	// Monitoring
	{"pingdom", 0.6, "Pingdom uptime monitor", models.BotTypeMonitoring, "Pingdom"},
	{"uptimerobot", 0.6, "UptimeRobot monitor", models.BotTypeMonitoring, "UptimeRobot"},
	{"statuscake", 0.6, "StatusCake monitor", models.BotTypeMonitoring, "StatusCake"},
}

// Search-engine claims are scored mildly here; the verifier detector is
// the authority on whether the claim is genuine.
var crawlerClaims = []uaPattern{
	{"googlebot", 0.4, "claims Googlebot identity", models.BotTypeSearchEngine, "Googlebot"},
	{"bingbot", 0.4, "claims bingbot identity", models.BotTypeSearchEngine, "bingbot"},
	{"duckduckbot", 0.4, "claims DuckDuckBot identity", models.BotTypeSearchEngine, "DuckDuckBot"},
	{"yandexbot", 0.4, "claims YandexBot identity", models.BotTypeSearchEngine, "YandexBot"},
	{"baiduspider", 0.4, "claims Baiduspider identity", models.BotTypeSearchEngine, "Baiduspider"},
	{"applebot", 0.4, "claims Applebot identity", models.BotTypeSearchEngine, "Applebot"},
}

var headlessMarkers = []string{"headlesschrome", "phantomjs", "electron", "puppeteer", "playwright", "selenium"}

var browserMarkers = []string{"chrome/", "firefox/", "safari/", "edg/", "opr/"}

// UserAgentDetector classifies the raw user agent string.
type UserAgentDetector struct{}

func NewUserAgentDetector() *UserAgentDetector { return &UserAgentDetector{} }

func (d *UserAgentDetector) Metadata() Metadata {
	return Metadata{
		Name:          "ua-analyzer",
		Category:      models.CategoryUserAgent,
		Wave:          0,
		DefaultWeight: 1.0,
		Outputs: []string{
			blackboard.KeyUABotProbability,
			blackboard.KeyUAPatternMatch,
			blackboard.KeyUAHeadless,
			blackboard.KeyUABrowserFamily,
		},
	}
}

func (d *UserAgentDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	ua := strings.ToLower(strings.TrimSpace(in.Features.UserAgent))

	if ua == "" {
		res := Contribute(0.6, "missing user agent")
		res.SuggestedBotType = models.BotTypeUnknown
		res.Signals = map[string]any{blackboard.KeyUABotProbability: 0.6}
		return res, nil
	}

	for _, marker := range headlessMarkers {
		if strings.Contains(ua, marker) {
			res := Contribute(0.85, "headless browser automation ("+marker+")")
			res.SuggestedBotType = models.BotTypeScraper
			res.Signals = map[string]any{
				blackboard.KeyUAHeadless:       true,
				blackboard.KeyUABotProbability: 0.85,
				blackboard.KeyUAPatternMatch:   marker,
			}
			return res, nil
		}
	}

	for _, p := range uaPatterns {
		if strings.Contains(ua, p.needle) {
			res := Contribute(p.delta, p.reason)
			res.SuggestedBotType = p.botType
			res.SuggestedBotName = p.botName
			res.Signals = map[string]any{
				blackboard.KeyUABotProbability: p.delta,
				blackboard.KeyUAPatternMatch:   p.needle,
			}
			return res, nil
		}
	}

	for _, p := range crawlerClaims {
		if strings.Contains(ua, p.needle) {
			res := Contribute(p.delta, p.reason)
			res.SuggestedBotType = p.botType
			res.SuggestedBotName = p.botName
			res.Signals = map[string]any{
				blackboard.KeyUABotProbability: p.delta,
				blackboard.KeyUAPatternMatch:   p.needle,
			}
			return res, nil
		}
	}

	// Generic "bot"/"spider"/"crawler" tokens not covered above.
	for _, generic := range []string{"bot", "spider", "crawler", "scraper"} {
		if strings.Contains(ua, generic) {
			res := Contribute(0.7, "generic crawler token in user agent")
			res.SuggestedBotType = models.BotTypeScraper
			res.Signals = map[string]any{
				blackboard.KeyUABotProbability: 0.7,
				blackboard.KeyUAPatternMatch:   generic,
			}
			return res, nil
		}
	}

	// Browser-shaped UA leans human, weakly — spoofing a Chrome UA string
	// is trivial, so the lean stays small.
	for _, marker := range browserMarkers {
		if strings.Contains(ua, marker) && strings.Contains(ua, "mozilla/") {
			res := Contribute(-0.2, "browser-shaped user agent")
			res.Signals = map[string]any{
				blackboard.KeyUABotProbability: 0.1,
				blackboard.KeyUABrowserFamily:  strings.TrimSuffix(marker, "/"),
			}
			return res, nil
		}
	}

	// Unrecognised but present: weakly suspicious.
	res := Contribute(0.2, "unrecognised user agent shape")
	res.Signals = map[string]any{blackboard.KeyUABotProbability: 0.3}
	return res, nil
}
