// Package greeting builds the opening line the agent is told to say when the
// callee picks up, and the persona instructions the session runs with.
package greeting

import (
	"fmt"
	"strings"
	"time"
)

const (
	Morning   = "Good Morning"
	Afternoon = "Good Afternoon"
	Evening   = "Good Evening"
)

// TimeOfDay classifies the local hour of t.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return Morning
	case h >= 12 && h < 17:
		return Afternoon
	default:
		return Evening
	}
}

// Builder renders greetings for one agent persona.
type Builder struct {
	AgentName string
	Now       func() time.Time
}

func NewBuilder(agentName string) *Builder {
	return &Builder{AgentName: agentName, Now: time.Now}
}

// Build returns the greeting for the current time. An empty name is kept as is.
func (b *Builder) Build(name string, query *string) string {
	return Build(b.AgentName, name, query, b.Now())
}

// Build returns the greeting for a customer at time t. A non-blank query
// selects the variant that acknowledges the topic.
func Build(agentName, name string, query *string, t time.Time) string {
	tod := TimeOfDay(t)
	if query != nil && strings.TrimSpace(*query) != "" {
		return fmt.Sprintf("Hey %s, %s! You're speaking with %s, your friendly AI on a mission to help. "+
			"I heard you've got a question about %s, and I'm all ears. How can I assist you today?",
			name, strings.ToLower(tod), agentName, *query)
	}
	return fmt.Sprintf("%s %s! I'm %s, your smart assistant. What can I help you tackle today?", tod, name, agentName)
}

// Instruction wraps a greeting in the reply instruction sent to the session.
func Instruction(greeting string) string {
	return fmt.Sprintf("Greet the user and say '%s'", greeting)
}

// AgentInstructions is the persona prompt the session is started with.
func AgentInstructions(agentName string) string {
	return fmt.Sprintf(`You are an AI assistant called %s. You are professional, helpful, and friendly.

You're speaking with a customer on a phone call. Your goal is to provide excellent customer service.

Always follow these guidelines:
1. Be respectful and courteous
2. Listen carefully to understand the customer's needs
3. Provide clear and concise information
4. Offer solutions and assistance
5. Maintain a positive and helpful tone

When the call starts, you'll receive instructions to greet the customer by name with a time-appropriate greeting. Follow this instruction exactly.

For example:
- "Good Morning John! How can I assist you today?"
- "Hello Sarah, good afternoon! I understand you have a query about IT services. How can I help you with that?"
`, agentName)
}
