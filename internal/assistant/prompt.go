package assistant

import (
	"log/slog"
	"strings"

	"github.com/lensisku/lexiassist/internal/proxy"
)

const systemPolicy = `You are a Lojban dictionary assistant.
The user describes concepts, often in English, and you help find or compose fitting Lojban expressions.
You have a tool named semantic_search that searches dictionary definitions by meaning.
Base every word, gloss and definition you mention only on results returned by that tool.
If the tool returns nothing relevant, say so instead of inventing words or definitions.
Explain your suggestions clearly and briefly.`

// systemPrompt returns the policy text, with a locale hint when locale is set.
func systemPrompt(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return systemPolicy
	}
	return systemPolicy + "\nPrefer to explain things in locale `" + locale + "` where appropriate."
}

// normalizeRole passes system, user and assistant through and maps any other
// role to user.
func normalizeRole(role string, logger *slog.Logger) string {
	switch role {
	case "system", "user", "assistant":
		return role
	default:
		logger.Warn("unknown chat role, mapping to user", "role", role)
		return "user"
	}
}

// buildContext prepends the system message and normalizes history roles.
// No message is dropped.
func buildContext(req Request, logger *slog.Logger) []proxy.Message {
	msgs := make([]proxy.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, proxy.Message{Role: "system", Content: systemPrompt(req.Locale)})
	for _, m := range req.Messages {
		msgs = append(msgs, proxy.Message{
			Role:    normalizeRole(m.Role, logger),
			Content: m.Content,
		})
	}
	return msgs
}
