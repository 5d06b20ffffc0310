package directory

import (
	"encoding/json"
	"fmt"
)

// Collection names on the directory service.
const (
	CollectionCommunities = "communities"
	CollectionCommands    = "commands"
)

// Document is one directory record: the remote identifier plus the document
// body exactly as stored on the service. The body stays opaque until a
// consumer needs to look inside it.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ChangeKind distinguishes the three change notifications the service emits.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one push notification from a watch subscription.
// Data is empty for removed changes.
type Change struct {
	Kind ChangeKind      `json:"kind"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Community is the decoded shape of a community document. Only the fields
// the gateway reads are declared; unknown fields pass through untouched in
// the stored raw document.
type Community struct {
	Name         string    `json:"name"`
	AllowedUsers []Entrant `json:"allowedUsers"`
	Addresses    []Address `json:"addresses"`
}

// Address is one street entry inside a community document.
type Address struct {
	Street string    `json:"street"`
	People []Entrant `json:"people"`
}

// Entrant is one authorized person. The service stores two shapes: a bare
// string holding just the credential id (legacy records), or an object with
// id, playerId, and username. Both decode into Entrant; bare strings leave
// Username empty.
type Entrant struct {
	ID       string `json:"id"`
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

// UnmarshalJSON accepts both the bare-string and the object encoding.
func (e *Entrant) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("directory: decoding entrant string: %w", err)
		}

		*e = Entrant{ID: id}

		return nil
	}

	// Local alias avoids recursing into this method.
	type entrant Entrant

	var decoded entrant
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("directory: decoding entrant object: %w", err)
	}

	*e = Entrant(decoded)

	return nil
}

// CommandRecord is the decoded shape of a command document.
type CommandRecord struct {
	Community string `json:"community"`
	Command   string `json:"command"`
	Address   string `json:"address"`
}

// Commands the gateway understands.
const (
	CommandOpenGate    = "open_gate"
	CommandPairingMode = "pairing_mode"
)
