package model

import "strings"

// ProgressStatus drives the per-model progress indicator.
type ProgressStatus int

const (
	ProgressPending ProgressStatus = iota
	ProgressRunning
	ProgressComplete
)

func (p ProgressStatus) String() string {
	switch p {
	case ProgressRunning:
		return "running"
	case ProgressComplete:
		return "complete"
	default:
		return "pending"
	}
}

// ScoreBand buckets a running score for colouring.
type ScoreBand int

const (
	ScoreLow ScoreBand = iota
	ScoreMedium
	ScoreHigh
)

// BandFor returns the band for a score in [0,1].
func BandFor(score float64) ScoreBand {
	switch {
	case score >= 0.7:
		return ScoreHigh
	case score >= 0.4:
		return ScoreMedium
	default:
		return ScoreLow
	}
}

// CatalogEntry is a model the user can select.
type CatalogEntry struct {
	Entry
	// RequiresToken marks models only reachable with the user's own
	// OpenRouter credential.
	RequiresToken bool
}

const iconBase = "/model-icons/"

// DefaultModels is the selection a new run starts with.
var DefaultModels = []CatalogEntry{
	{Entry: Entry{Model: "openai/gpt-4o-mini", Icon: iconBase + "openai.svg"}},
	{Entry: Entry{Model: "anthropic/claude-3.5-haiku", Icon: iconBase + "anthropic.svg"}},
	{Entry: Entry{Model: "google/gemini-2.0-flash-001", Icon: iconBase + "google.svg"}},
	{Entry: Entry{Model: "meta-llama/llama-3.3-70b-instruct", Icon: iconBase + "meta.svg"}},
}

// ExtraModels can be added to a selection. Most need an override credential.
var ExtraModels = []CatalogEntry{
	{Entry: Entry{Model: "openai/gpt-4o", Icon: iconBase + "openai.svg"}, RequiresToken: true},
	{Entry: Entry{Model: "anthropic/claude-3.7-sonnet", Icon: iconBase + "anthropic.svg"}, RequiresToken: true},
	{Entry: Entry{Model: "google/gemini-2.5-pro-preview", Icon: iconBase + "google.svg"}, RequiresToken: true},
	{Entry: Entry{Model: "deepseek/deepseek-chat", Icon: iconBase + "deepseek.svg"}, RequiresToken: true},
	{Entry: Entry{Model: "mistralai/mistral-small-3.1-24b-instruct", Icon: iconBase + "mistral.svg"}},
}

// Catalog returns every known model, defaults first.
func Catalog() []CatalogEntry {
	all := make([]CatalogEntry, 0, len(DefaultModels)+len(ExtraModels))
	all = append(all, DefaultModels...)
	return append(all, ExtraModels...)
}

// Lookup finds a catalog entry by model id.
func Lookup(id string) (CatalogEntry, bool) {
	for _, e := range Catalog() {
		if e.Model == id {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// IconFor returns the icon for a model id, or "" for unknown models.
func IconFor(id string) string {
	if e, ok := Lookup(id); ok {
		return e.Icon
	}
	return ""
}

// Entries maps model ids to display entries, preserving order.
func Entries(ids []string) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{Model: id, Icon: IconFor(id)})
	}
	return out
}

// DefaultModelIDs returns the ids of DefaultModels.
func DefaultModelIDs() []string {
	ids := make([]string, 0, len(DefaultModels))
	for _, m := range DefaultModels {
		ids = append(ids, m.Model)
	}
	return ids
}

// ShortName strips the provider prefix ("openai/gpt-4o" -> "gpt-4o").
func ShortName(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 && i < len(id)-1 {
		return id[i+1:]
	}
	return id
}
