package agent

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are an AI agent that PLANS backend actions for a workspace assistant.
The backend validates and executes actions; you never execute anything yourself.

Rules (follow exactly):
- Output MUST be a single valid JSON object matching one of the specified schemas.
- Allowed tools are ONLY: create_email, create_doc, create_calendar_event.
- Never hallucinate parameters or invent data.
- If required information is missing, choose intent="chat" and ask a clarifying question.
- Any tool that sends an email, creates a document, or creates a calendar event requires user confirmation.
  Set "requires_confirmation": true and write a confirmation_message phrased as a question.`

func planningPrompt(message string) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(message)
	b.WriteString(`

Return JSON with EXACTLY one of the following shapes:

1) Normal conversation, or you need more information:
{"intent": "chat", "message": "your concise reply or clarifying question"}

2) The request should run tools:
{
  "intent": "action",
  "requires_confirmation": true,
  "confirmation_message": "A short explanation of what you will do, phrased as a confirmation question.",
  "plans": [
    {"function_name": "create_email" | "create_doc" | "create_calendar_event", "arguments": { ... }}
  ]
}

Argument constraints:
- create_email MUST include: to, subject, body. It may include: cc.
- create_doc MUST include: title. It may include: content.
- create_calendar_event MUST include: summary. It may include: start_time, end_time (RFC 3339), description.
- Do not include keys outside these lists.`)
	return b.String()
}

func summaryPrompt(encodedContext string) string {
	return fmt.Sprintf(`We are preparing a final response to the user.
Here is the full context:
%s

Return JSON:
{"message": "concise summary for the user"}`, encodedContext)
}

func chatPrompt(message string) string {
	return fmt.Sprintf(`Reply conversationally and concisely.

User message:
%s

Return JSON:
{"message": "your reply"}`, message)
}
