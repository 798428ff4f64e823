package contextbuild

import "time"

// Kind groups fragments by where they came from.
type Kind string

const (
	KindUserMessage    Kind = "user_message"
	KindMemory         Kind = "memory"
	KindClassification Kind = "classification"
	KindInstruction    Kind = "instruction"
	KindHistory        Kind = "history"
)

// Fragment is one weighted piece of generation context.
type Fragment struct {
	Source  string  `json:"source"`
	Kind    Kind    `json:"kind"`
	Content string  `json:"content"`
	Weight  float64 `json:"weight"`
	Pinned  bool    `json:"pinned,omitempty"`
	// Role is set for history fragments (user or assistant).
	Role string `json:"role,omitempty"`
	// Quality is the source record's quality score for memory fragments.
	Quality float64 `json:"quality,omitempty"`
	// Order keeps history fragments chronological when rendered.
	Order int `json:"-"`
}

// Turn is one earlier message of the conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// GenerationContext is the packed, budget-bounded input for generation.
type GenerationContext struct {
	Fragments []Fragment `json:"fragments"`
	Budget    int        `json:"budget"`
	Used      int        `json:"used"`
	Dropped   int        `json:"dropped"`
	Truncated int        `json:"truncated"`
}

// Size is the total content length of all fragments.
func (g GenerationContext) Size() int {
	n := 0
	for _, f := range g.Fragments {
		n += len(f.Content)
	}
	return n
}

// OfKind returns the fragments of one kind in packing order.
func (g GenerationContext) OfKind(k Kind) []Fragment {
	var out []Fragment
	for _, f := range g.Fragments {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// UserMessage returns the pinned user message fragment.
func (g GenerationContext) UserMessage() string {
	for _, f := range g.Fragments {
		if f.Kind == KindUserMessage {
			return f.Content
		}
	}
	return ""
}

// Evidence returns the texts a response can be checked against: memories and
// prior turns.
func (g GenerationContext) Evidence() []Fragment {
	var out []Fragment
	for _, f := range g.Fragments {
		if f.Kind == KindMemory || f.Kind == KindHistory {
			out = append(out, f)
		}
	}
	return out
}
