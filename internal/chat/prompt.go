package chat

import (
	"fmt"
	"strings"
)

// systemRules by locale. Unknown locales fall back to French; English
// output requires an explicit "en".
var systemRules = map[string]string{
	"fr": `Tu es un assistant d'investigation documentaire.
Règles:
- Réponds UNIQUEMENT à partir des extraits de documents fournis ci-dessous.
- Si les extraits ne suffisent pas, dis-le explicitement et ne complète pas avec des connaissances externes.
- Cite tes sources au format [Document: <nom>] après chaque affirmation.`,
	"en": `You are a document investigation assistant.
Rules:
- Answer ONLY from the document excerpts provided below.
- If the excerpts are insufficient, say so explicitly; never fill in from outside knowledge.
- Cite sources as [Document: <name>] after each claim.`,
}

var refusalSentences = map[string]string{
	"fr": "Je ne trouve aucun passage pertinent dans les documents indexés pour répondre à cette question.",
	"en": "I cannot find any relevant passage in the indexed documents to answer this question.",
}

func localeOrFrench(locale string) string {
	if _, ok := systemRules[locale]; ok {
		return locale
	}
	return "fr"
}

func refusalSentence(locale string) string {
	return refusalSentences[localeOrFrench(locale)]
}

// buildPrompt assembles: system rules, recent history, labelled
// contexts, then the question.
func (e *Engine) buildPrompt(session *Session, message string, contexts []Context, opts AskOptions) string {
	locale := localeOrFrench(e.locale)
	var sb strings.Builder
	sb.WriteString(systemRules[locale])
	sb.WriteString("\n\n")

	if opts.IncludeHistory {
		// History already contains the current user message; exclude it.
		history := session.History(historyWindowTurns + 1)
		if len(history) > 0 {
			history = history[:len(history)-1]
		}
		if len(history) > 0 {
			if locale == "en" {
				sb.WriteString("Conversation so far:\n")
			} else {
				sb.WriteString("Conversation précédente:\n")
			}
			for _, m := range history {
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
			}
			sb.WriteString("\n")
		}
	}

	if len(contexts) > 0 {
		if locale == "en" {
			sb.WriteString("Document excerpts:\n")
		} else {
			sb.WriteString("Extraits de documents:\n")
		}
		for i, c := range contexts {
			fmt.Fprintf(&sb, "[%d] [Document: %s] (pertinence %.2f)\n%s\n\n", i+1, c.FileName, c.Score, c.Excerpt)
		}
	}

	if locale == "en" {
		fmt.Fprintf(&sb, "Question: %s\n", message)
	} else {
		fmt.Fprintf(&sb, "Question : %s\n", message)
	}
	return sb.String()
}
