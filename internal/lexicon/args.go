package lexicon

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/lensisku/lexiassist/internal/apperr"
)

// Args are the typed arguments of semantic_search.
type Args struct {
	Query        string  `json:"query"`
	Limit        *int    `json:"limit,omitempty"`
	Languages    []int32 `json:"languages,omitempty"`
	SourceLangID *int32  `json:"source_langid,omitempty"`
}

// EffectiveLimit returns Limit clamped to [MinLimit, MaxLimit], or
// DefaultLimit when unset.
func (a Args) EffectiveLimit() int {
	if a.Limit == nil {
		return DefaultLimit
	}
	return min(max(*a.Limit, MinLimit), MaxLimit)
}

// ParseArgs decodes the argument string produced by the chat model. An empty
// or blank string is treated as "{}". Anything that is not a JSON object of
// the declared field types is a ToolArgumentError carrying raw.
func ParseArgs(raw string) (Args, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var a Args
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&a); err != nil {
		return Args{}, apperr.WithRaw(apperr.KindToolArgument, "invalid "+ToolName+" arguments", raw, err)
	}
	if dec.More() {
		return Args{}, apperr.WithRaw(apperr.KindToolArgument, "invalid "+ToolName+" arguments: trailing data", raw, nil)
	}
	return a, nil
}
