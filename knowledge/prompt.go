package knowledge

import (
	"strings"

	"ragdesk_back/store"
)

const (
	ragDirective     = "Use ONLY the provided context to answer the question. If the context doesn't contain the answer, admit that you don't know rather than making up information."
	generalDirective = "Answer the user's question to the best of your ability based on your general knowledge."

	noContextDisclaimer = "I couldn't find specific information about that in the knowledge base. "

	llmUnavailableText = "I'm having trouble generating a response right now. Please try again later."
	emptyAnswerText    = "I apologize, but I'm having trouble generating a response based on the available information."
	lastResortText     = "I apologize, but I encountered an unexpected error. Please try again later."
)

// promptPrefix collects the chatbot role, the chatbot instructions and the
// caller instructions, in that order.
func promptPrefix(bot *store.Chatbot, instructions string) []string {
	var parts []string
	if bot != nil {
		if role := strings.TrimSpace(bot.Role); role != "" {
			parts = append(parts, "You are a "+role+".")
		}
		if text := strings.TrimSpace(bot.Instructions); text != "" {
			parts = append(parts, text)
		}
	}
	if text := strings.TrimSpace(instructions); text != "" {
		parts = append(parts, text)
	}
	return parts
}

func buildRAGPrompt(bot *store.Chatbot, instructions string) string {
	return strings.Join(append(promptPrefix(bot, instructions), ragDirective), " ")
}

func buildLLMOnlyPrompt(bot *store.Chatbot, instructions string) string {
	return strings.Join(append(promptPrefix(bot, instructions), generalDirective), " ")
}

func buildContextMessage(contextText, query string) string {
	var b strings.Builder
	b.WriteString("Context information is below.\n---------------------\n")
	b.WriteString(contextText)
	b.WriteString("\n---------------------\nGiven the context information and not prior knowledge, answer the question.\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func withDisclaimer(text string) string {
	if strings.HasPrefix(text, strings.TrimSpace(noContextDisclaimer)) {
		return text
	}
	return noContextDisclaimer + text
}

// estimateTokens is a word count of the query plus the response.
func estimateTokens(query, response string) int {
	return len(strings.Fields(query)) + len(strings.Fields(response))
}
