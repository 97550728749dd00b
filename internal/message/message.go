package message

// Caster identifies the channel a module listens to
type Caster struct {
	Username string `json:"username" yaml:"username"` // Channel owner's username, used for API lookups
	Identify string `json:"identify" yaml:"identify"` // Stable channel identifier reported with every message
}

// Module describes the chat module that produced a message
type Module struct {
	Name   string `json:"name" yaml:"name"`     // Module name, e.g. "oba:chat:beam"
	Source string `json:"source" yaml:"source"` // Channel URL the module was created from
	Caster Caster `json:"caster" yaml:"caster"`
}

// Merge returns m with every non-empty field of override applied on top.
// Caster is merged field by field.
func (m Module) Merge(override Module) Module {
	if override.Name != "" {
		m.Name = override.Name
	}
	if override.Source != "" {
		m.Source = override.Source
	}
	if override.Caster.Username != "" {
		m.Caster.Username = override.Caster.Username
	}
	if override.Caster.Identify != "" {
		m.Caster.Identify = override.Caster.Identify
	}
	return m
}

// Message represents a normalized chat line
type Message struct {
	Module    Module `json:"module"`
	Username  string `json:"username"`  // Sender's account name
	Nickname  string `json:"nickname"`  // Sender's display name
	Message   string `json:"message"`   // Plain-text rendering of the chat line
	Timestamp int64  `json:"timestamp"` // Receive time in epoch milliseconds
}
