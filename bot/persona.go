// Package bot runs AI personas as first-class chat accounts: one session
// per persona consuming the room feed, a shared dispatcher serializing
// inference per (persona, room), and a runner owning the lot.
package bot

import (
	"github.com/AlphafromZion/matrix-agent-room/backend"
)

// Persona is one configured identity. Read-only after startup; every
// mutable piece of conversation state lives in the dispatcher.
type Persona struct {
	Name         string // mention key, matched as @name
	DisplayName  string
	User         string // account id on the homeserver
	SystemPrompt string
	Params       backend.Params
	Backend      backend.Backend
}
