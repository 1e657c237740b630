package llm

import (
	"strings"
)

const systemCustomerService = `You are a professional call center agent for Google Cloud Billing support. Guidelines:
1. Be friendly, concise, and helpful.
2. Ask for missing details politely.
3. Provide clear answers without rambling.
4. Offer escalation to a human agent when needed.`

const systemLeadGeneration = `You are a professional lead-gen assistant. Guidelines:
1. Greet warmly.
2. Ask about customer needs.
3. Highlight value briefly.
4. Collect key contact details.
5. Suggest next steps.`

const systemAnalysis = `You analyze support conversations and report findings concisely.`

// SystemPrompt returns the fixed instruction for a configured profile.
func SystemPrompt(profile string) string {
	if profile == "lead_generation" {
		return systemLeadGeneration
	}
	return systemCustomerService
}

// BuildPrompt flattens prior exchanges plus the current utterance into the
// ROLE-prefixed transcript layout the model is instructed with.
func BuildPrompt(req Request) string {
	var b strings.Builder
	for _, m := range req.History {
		role := strings.ToUpper(m.Role)
		if role == "" {
			role = "USER"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("USER: ")
	b.WriteString(req.Prompt)
	return b.String()
}

// AnalysisRequest builds the conversation analysis pass over a session's
// history.
func AnalysisRequest(sessionID string, history []Exchange) Request {
	var b strings.Builder
	b.WriteString("Analyze the following conversation and extract:\n")
	b.WriteString("1. Customer's main issues\n")
	b.WriteString("2. Customer's emotional state\n")
	b.WriteString("3. Key info points\n")
	b.WriteString("4. Suggested follow-up actions\n\n")
	for _, m := range history {
		who := "Customer"
		if m.Role == "assistant" {
			who = "Assistant"
		}
		b.WriteString(who)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return Request{
		SessionID: sessionID,
		Prompt:    b.String(),
		System:    systemAnalysis,
	}
}
