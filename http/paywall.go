package http

import (
	"fmt"
	"html"
	"strings"

	x402 "github.com/x402labs/x402-go"
)

// PaywallConfig controls the HTML page served to interactive browsers that
// hit a protected route without a payment header.
type PaywallConfig struct {
	AppName     string
	Description string
	// CTAURL, when set, is linked as the "how to pay" destination.
	CTAURL string
}

// Render produces the paywall page for a challenge. The page is static
// HTML; programmatic clients never see it because content negotiation
// routes them to the JSON challenge instead.
func (p PaywallConfig) Render(challenge x402.PaymentRequired) string {
	appName := p.AppName
	if appName == "" {
		appName = "Payment Required"
	}
	description := p.Description
	if description == "" && challenge.Resource != nil {
		description = challenge.Resource.Description
	}

	var accepts strings.Builder
	for _, req := range challenge.Accepts {
		accepts.WriteString(fmt.Sprintf(
			`<li><code>%s</code> on <code>%s</code>: %s atomic units of <code>%s</code> to <code>%s</code></li>`,
			html.EscapeString(req.Scheme),
			html.EscapeString(string(req.Network)),
			html.EscapeString(req.Amount),
			html.EscapeString(req.Asset),
			html.EscapeString(req.PayTo),
		))
	}

	cta := ""
	if p.CTAURL != "" {
		cta = fmt.Sprintf(`<p><a href="%s">How to pay</a></p>`, html.EscapeString(p.CTAURL))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
code { background: #f4f4f4; padding: 0.1rem 0.3rem; border-radius: 3px; }
</style>
</head>
<body>
<h1>402 Payment Required</h1>
<p>%s</p>
<p>This resource accepts the following payments:</p>
<ul>%s</ul>
%s
</body>
</html>`,
		html.EscapeString(appName),
		html.EscapeString(description),
		accepts.String(),
		cta,
	)
}
