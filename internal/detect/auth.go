package detect

import "regexp"

type providerAuth struct {
	name     string
	patterns []*regexp.Regexp
	urlRe    *regexp.Regexp
}

var urlRe = regexp.MustCompile(`https?://[^\s"']+`)

// authProviders are checked in order before the generic fallback.
var authProviders = []providerAuth{
	{
		name: "anthropic",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`console\.anthropic\.com`),
			regexp.MustCompile(`claude\.ai/login`),
			regexp.MustCompile(`(?i)anthropic.*(authenticate|login|api key)`),
		},
		urlRe: regexp.MustCompile(`https://(console\.anthropic\.com|claude\.ai)[^\s"']*`),
	},
	{
		name: "openai",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`platform\.openai\.com`),
			regexp.MustCompile(`(?i)openai.*(authenticate|login|api key)`),
		},
		urlRe: regexp.MustCompile(`https://platform\.openai\.com[^\s"']*`),
	},
	{
		name: "google",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`accounts\.google\.com`),
			regexp.MustCompile(`(?i)(gemini|google).*(authenticate|login|api key)`),
		},
		urlRe: regexp.MustCompile(`https://accounts\.google\.com[^\s"']*`),
	},
	{
		name: "github",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`github\.com/login`),
			regexp.MustCompile(`(?i)gh auth login`),
		},
		urlRe: regexp.MustCompile(`https://github\.com/login[^\s"']*`),
	},
}

var genericAuthRe = regexp.MustCompile(`(?i)(authentication (required|failed)|please (log in|sign in|authenticate)|invalid api key|401 unauthorized)`)

// AuthDetector recognizes provider login prompts in console output. On a
// provider match it extracts the first URL in the line that also matches
// the provider's own URL pattern. The generic fallback reports provider
// "unknown" and carries no URL. Ordinary URLs never fire on their own.
type AuthDetector struct {
	toggle
	providers []providerAuth
}

func NewAuthDetector() *AuthDetector {
	return &AuthDetector{toggle: newToggle(), providers: authProviders}
}

func (d *AuthDetector) Name() string { return "auth" }

func (d *AuthDetector) Process(agentID, sandboxID, line string) *Event {
	if !d.Enabled() || line == "" {
		return nil
	}
	for _, p := range d.providers {
		for _, re := range p.patterns {
			if !re.MatchString(line) {
				continue
			}
			ev := newEvent(KindAuthRequired, agentID, sandboxID)
			ev.Auth = &AuthPayload{Provider: p.name, AuthURL: extractAuthURL(line, p.urlRe)}
			return &ev
		}
	}
	if genericAuthRe.MatchString(line) {
		ev := newEvent(KindAuthRequired, agentID, sandboxID)
		ev.Auth = &AuthPayload{Provider: "unknown"}
		return &ev
	}
	return nil
}

func extractAuthURL(line string, providerURL *regexp.Regexp) string {
	for _, url := range urlRe.FindAllString(line, -1) {
		if providerURL.MatchString(url) {
			return url
		}
	}
	return ""
}
