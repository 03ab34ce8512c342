package research

import (
	"fmt"
	"strings"
	"time"
)

// systemPreamble is injected with today's date so the model can reason about
// recency without a grounding call.
func systemPreamble(now time.Time) string {
	return fmt.Sprintf(`You are an expert researcher. Today is %s. Follow these instructions when responding:
- You may be asked to research subjects that are after your knowledge cutoff; assume the user is right when presented with news.
- The user is a highly experienced analyst, no need to simplify; be as detailed as possible and make sure your response is correct.
- Be highly organized and proactive: anticipate the user's needs and suggest solutions they did not think about.
- Mistakes erode the user's trust, so be accurate and thorough.
- Provide detailed explanations with good arguments, not just authorities.`, now.Format("Mon, 02 Jan 2006"))
}

func questionsPrompt(topic string) string {
	return fmt.Sprintf(`Given the following research topic from the user:

<topic>
%s
</topic>

Ask at least 5 concise follow-up questions to clarify the research direction. Number each question. Respond in the same language as the user's language.`, topic)
}

func planPrompt(topic string, questions []string, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic:\n\n<topic>\n%s\n</topic>\n\n", topic)
	if len(questions) > 0 {
		b.WriteString("Clarifying questions already raised:\n\n")
		for i, q := range questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		b.WriteString("\n")
	}
	if feedback != "" {
		fmt.Fprintf(&b, "User feedback on the questions:\n\n<feedback>\n%s\n</feedback>\n\n", feedback)
	}
	b.WriteString(`Write a sectioned research plan for the topic. Sections must not overlap; give each one a heading and a one-sentence summary of what it will cover. Respond in the same language as the user's language.`)
	return b.String()
}

// queryCountHint maps research depth to the query-count guidance given to
// the model during query generation.
func queryCountHint(depth string) string {
	switch depth {
	case "quick":
		return "3 to 5"
	case "deep":
		return "8 to 12"
	default:
		return "5 to 8"
	}
}

func queriesPrompt(topic, plan, depth string) string {
	return fmt.Sprintf(`Based on the following research plan:

<plan>
%s
</plan>

for the topic:

<topic>
%s
</topic>

generate %s search-engine queries that together cover the plan. Respond with a strict JSON array of objects, each with exactly two string fields: "query" (the search query) and "researchGoal" (what this query should uncover). Output only the JSON array, no prose.`, plan, topic, queryCountHint(depth))
}

func groundedQueryPrompt(query, goal string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search the web for: %s\n", query)
	if goal != "" {
		fmt.Fprintf(&b, "\nResearch goal: %s\n", goal)
	}
	b.WriteString("\nProduce a list of dense learnings from what you find. Each learning must be specific, include entities, metrics, numbers, and dates where present, and cite its sources with [n] markers.")
	return b.String()
}

func finalReportPrompt(topic, plan, findings, requirement string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic:\n\n<topic>\n%s\n</topic>\n\n", topic)
	fmt.Fprintf(&b, "Research plan:\n\n<plan>\n%s\n</plan>\n\n", plan)
	fmt.Fprintf(&b, "Research findings:\n\n<findings>\n%s\n</findings>\n\n", findings)
	if requirement != "" {
		fmt.Fprintf(&b, "Style guidance from the user:\n\n<requirement>\n%s\n</requirement>\n\n", requirement)
	}
	b.WriteString(`Write a final report on the topic using the plan as its skeleton and the findings as its evidence. Make it as detailed as possible, aim for 5 or more pages, and include ALL the learnings from the research. Use Markdown with section headings. Respond in the same language as the user's language.`)
	return b.String()
}

func customExportPrompt(markdown string, slideTitles []string) string {
	var b strings.Builder
	b.WriteString("Given the following Markdown report:\n\n<markdown>\n")
	b.WriteString(markdown)
	b.WriteString("\n</markdown>\n\nExtract content for these slides, in this exact order:\n\n")
	for i, title := range slideTitles {
		fmt.Fprintf(&b, "%d. %s\n", i+1, title)
	}
	b.WriteString(`
Respond with strict JSON of the shape {"slides": [{"title": string, "content": ...}]}. For a normal slide, "content" is an ordered array of short bullet strings. For a SWOT-style slide, "content" is an object mapping category names to bullet arrays. If the Markdown has no material for a slide, set its content to the string "Content unavailable in provided Markdown.". Output only the JSON, no prose.`)
	return b.String()
}
