package flow

import "github.com/example/calbooker/internal/booking"

// ReplyKind tags the three outbound payload shapes the core produces.
// Rendering and delivery belong to the external transport.
type ReplyKind string

const (
	// ReplyPrompt asks the user for input, optionally with choices.
	ReplyPrompt ReplyKind = "prompt"
	// ReplyNotice is a plain informational or error message.
	ReplyNotice ReplyKind = "notice"
	// ReplyOutcome ends the session.
	ReplyOutcome ReplyKind = "outcome"
)

// Choice is one discrete selection the user can send back. Data is the
// opaque payload the transport must echo on selection.
type Choice struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Outcome is the terminal payload of a session.
type Outcome struct {
	Status string          `json:"status"` // done, failed, cancelled
	Result *booking.Result `json:"result,omitempty"`
}

// Reply is one outbound presentation payload.
type Reply struct {
	Kind    ReplyKind `json:"kind"`
	Text    string    `json:"text"`
	Choices []Choice  `json:"choices,omitempty"`
	Outcome *Outcome  `json:"outcome,omitempty"`
}

func notice(text string) Reply {
	return Reply{Kind: ReplyNotice, Text: text}
}

func prompt(text string, choices []Choice) Reply {
	return Reply{Kind: ReplyPrompt, Text: text, Choices: choices}
}

func outcome(status, text string, res *booking.Result) Reply {
	return Reply{Kind: ReplyOutcome, Text: text, Outcome: &Outcome{Status: status, Result: res}}
}
