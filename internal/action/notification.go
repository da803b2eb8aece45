package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Notification is the part of an LDN activity the actions read.
type Notification struct {
	ID        string `json:"id"`
	Type      Types  `json:"type"`
	Actor     *Ref   `json:"actor,omitempty"`
	Origin    *Ref   `json:"origin,omitempty"`
	Target    *Ref   `json:"target,omitempty"`
	Object    *Ref   `json:"object,omitempty"`
	Context   *Ref   `json:"context,omitempty"`
	InReplyTo string `json:"inReplyTo,omitempty"`
	// Value carries the corrected value of an enrichment notification.
	Value string `json:"value,omitempty"`
}

type Ref struct {
	ID    string `json:"id"`
	Type  Types  `json:"type,omitempty"`
	Inbox string `json:"inbox,omitempty"`
}

func (r *Ref) GetID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

// Types accepts both "type": "Announce" and "type": ["Announce", "..."].
type Types []string

func (t *Types) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var many []string
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*t = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*t = Types{one}
	return nil
}

func (t Types) Has(name string) bool { return slices.Contains(t, name) }

// Decode parses a stored payload. A payload that is not a JSON object can
// never be processed, so the error is permanent.
func Decode(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, Permanent(fmt.Errorf("decode notification: %w", err))
	}
	return n, nil
}
