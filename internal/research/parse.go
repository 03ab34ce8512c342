package research

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"deepresearch/internal/errors"
	"deepresearch/internal/research/aggregate"
)

// fallbackResearchGoal is used when query generation cannot be parsed; the
// run degrades to a single broad query instead of failing.
const fallbackResearchGoal = "General research"

// slideUnavailable is the literal content for a requested slide the Markdown
// has no material for.
const slideUnavailable = "Content unavailable in provided Markdown."

// stripFence removes a surrounding Markdown code fence, if any.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseQueries turns a query-generation response into aggregation items.
// Malformed JSON is repaired when possible; anything unusable falls back to
// a single query for the topic. The raw response is never discarded as an
// error.
func parseQueries(topic, raw string) []aggregate.Item {
	fallback := []aggregate.Item{{Query: topic, ResearchGoal: fallbackResearchGoal}}

	cleaned := stripFence(raw)
	if cleaned == "" {
		return fallback
	}

	var items []aggregate.Item
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return fallback
		}
		if err := json.Unmarshal([]byte(repaired), &items); err != nil {
			return fallback
		}
	}

	// Drop entries without a query; an empty list degrades to the fallback.
	kept := items[:0]
	for _, item := range items {
		if strings.TrimSpace(item.Query) != "" {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return fallback
	}
	return kept
}

// Slide is one entry of a custom export. Content is either an ordered bullet
// list ([]any of strings) or a category map for SWOT-style slides.
type Slide struct {
	Title   string `json:"title"`
	Content any    `json:"content"`
}

// slidesEnvelope is the strict JSON shape custom export expects back.
type slidesEnvelope struct {
	Slides []Slide `json:"slides"`
}

// parseSlides parses a custom-export response and reorders the slides to
// match the requested titles exactly. A requested title the model did not
// produce yields the literal unavailable content. Parse failures are fatal
// for this phase.
func parseSlides(raw string, slideTitles []string) ([]Slide, error) {
	cleaned := stripFence(raw)

	var envelope slidesEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, errors.Wrap(errors.KindParse, err, "custom export response is not valid JSON")
		}
		if err := json.Unmarshal([]byte(repaired), &envelope); err != nil {
			return nil, errors.Wrap(errors.KindParse, err, "custom export response is not valid JSON")
		}
	}

	byTitle := make(map[string]Slide, len(envelope.Slides))
	for _, slide := range envelope.Slides {
		byTitle[normalizeTitle(slide.Title)] = slide
	}

	out := make([]Slide, 0, len(slideTitles))
	for _, title := range slideTitles {
		if slide, ok := byTitle[normalizeTitle(title)]; ok && slide.Content != nil {
			slide.Title = title
			out = append(out, slide)
			continue
		}
		out = append(out, Slide{Title: title, Content: slideUnavailable})
	}
	return out, nil
}

func normalizeTitle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
