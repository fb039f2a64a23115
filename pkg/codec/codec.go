// Package codec encodes activities for transports that move bytes. A message
// is a JSON envelope carrying a batch of activities, each tagged with its kind.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/cosync/pkg/core"
)

// ErrMalformed is returned for messages that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Peer describes a connected participant in a presence update.
type Peer struct {
	ID         core.ParticipantID `json:"id"`
	Host       bool               `json:"host,omitempty"`
	Permission core.Permission    `json:"permission,omitempty"`
}

// Message is one transport message. Relays fill Presence with the full list
// of connected peers whenever it changes; such messages carry no activities.
type Message struct {
	From       core.ParticipantID
	To         []core.ParticipantID
	Activities []core.Activity
	Presence   []Peer
}

type wireMessage struct {
	From       core.ParticipantID   `json:"from"`
	To         []core.ParticipantID `json:"to,omitempty"`
	Activities []wireActivity       `json:"activities,omitempty"`
	Presence   []Peer               `json:"presence,omitempty"`
}

type wireActivity struct {
	Kind core.Kind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode serialises m.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{From: m.From, To: m.To, Presence: m.Presence}
	for _, a := range m.Activities {
		if _, ok := decoders[a.Kind()]; !ok {
			return nil, fmt.Errorf("%w: %T", core.ErrUnknownActivity, a)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode %s activity: %w", a.Kind(), err)
		}
		w.Activities = append(w.Activities, wireActivity{Kind: a.Kind(), Data: data})
	}
	return json.Marshal(w)
}

// Decode parses a message produced by Encode. An activity kind this build
// does not know fails the whole message with core.ErrUnknownActivity.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := Message{From: w.From, To: w.To, Presence: w.Presence}
	for i, wa := range w.Activities {
		decode, ok := decoders[wa.Kind]
		if !ok {
			return Message{}, fmt.Errorf("%w: kind %q", core.ErrUnknownActivity, wa.Kind)
		}
		a, err := decode(wa.Data)
		if err != nil {
			return Message{}, fmt.Errorf("%w: activity %d (%s): %v", ErrMalformed, i, wa.Kind, err)
		}
		m.Activities = append(m.Activities, a)
	}
	return m, nil
}

var decoders = map[core.Kind]func(json.RawMessage) (core.Activity, error){
	core.KindFile:           decodeAs[core.FileActivity],
	core.KindFolderCreated:  decodeAs[core.FolderCreatedActivity],
	core.KindFolderDeleted:  decodeAs[core.FolderDeletedActivity],
	core.KindTextEdit:       decodeAs[core.TextEditActivity],
	core.KindTextSelection:  decodeAs[core.TextSelectionActivity],
	core.KindViewport:       decodeAs[core.ViewportActivity],
	core.KindPermission:     decodeAs[core.PermissionActivity],
	core.KindStartFollowing: decodeAs[core.StartFollowingActivity],
	core.KindStopFollowing:  decodeAs[core.StopFollowingActivity],
	core.KindChecksum:       decodeAs[core.ChecksumActivity],
	core.KindChecksumError:  decodeAs[core.ChecksumErrorActivity],
}

func decodeAs[T core.Activity](data json.RawMessage) (core.Activity, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Route is the addressing part of a message. Relays use it to forward raw
// messages without decoding the activities.
type Route struct {
	From core.ParticipantID   `json:"from"`
	To   []core.ParticipantID `json:"to,omitempty"`
}

// DecodeRoute reads only the addressing of a message.
func DecodeRoute(data []byte) (Route, error) {
	var r Route
	if err := json.Unmarshal(data, &r); err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}
