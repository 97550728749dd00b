package beam

// Internal event names produced by the translator.
const (
	eventWelcome = "welcome"
	eventChat    = "message"
)

// Registration maps a wire-level event tag to an internal event name.
type Registration struct {
	EventName    string
	MatchPattern string
}

// DefaultRegistrations returns the tags the chat socket is known to send.
// The platform emits WelcomeEvent and ChatMessage; the short forms are
// accepted as aliases.
func DefaultRegistrations() []Registration {
	return []Registration{
		{EventName: eventWelcome, MatchPattern: "WelcomeEvent"},
		{EventName: eventChat, MatchPattern: "ChatMessage"},
		{EventName: eventWelcome, MatchPattern: "welcome"},
		{EventName: eventChat, MatchPattern: "message"},
	}
}

// Translator resolves wire event tags to internal event names. The
// registration list is fixed at construction; earlier entries take
// precedence.
type Translator struct {
	registrations []Registration
}

// NewTranslator creates a translator over regs, in order.
func NewTranslator(regs ...Registration) *Translator {
	return &Translator{registrations: append([]Registration(nil), regs...)}
}

// Translate returns the event name of the first registration whose pattern
// equals wireEvent exactly.
func (t *Translator) Translate(wireEvent string) (string, bool) {
	for _, reg := range t.registrations {
		if reg.MatchPattern == wireEvent {
			return reg.EventName, true
		}
	}
	return "", false
}
