package providers

import (
	"net/http"
	"strings"
)

// augmentProviderError appends an operator hint to common API failures.
func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch {
	case status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key provided"):
		return msg + " Hint: check providers." + providerName + ".api_key (or STEFAN_PROVIDERS_" + strings.ToUpper(providerName) + "_API_KEY)."
	case strings.Contains(lower, "response_format") || strings.Contains(lower, "json_schema"):
		return msg + " Hint: the configured model must support structured outputs with a strict json_schema."
	case status == http.StatusNotFound && strings.Contains(lower, "model"):
		return msg + " Hint: providers." + providerName + ".model names a model this account cannot use."
	case status == http.StatusTooManyRequests:
		if providerName == ProviderOpenRouter {
			return msg + " Hint: OpenRouter credits may be exhausted for this key."
		}
		return msg + " Hint: rate limited; requests are not retried, the bot answers with its fallback reply."
	}
	return msg
}
