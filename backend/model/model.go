// Package model defines the wire-level types shared between the servers and
// the service layer: control commands, the mute sentinel, and the video
// message framing.
package model

import (
	"encoding/binary"
	"errors"
	"strings"
)

// MuteSentinel is the text message a participant sends on the audio socket
// to mute itself. Any subsequent audio chunk unmutes.
const MuteSentinel = "MUTE"

// Control verbs accepted on the audio/control endpoint.
const (
	VerbList   = "LIST"
	VerbCreate = "CREATE"
	VerbDelete = "DELETE"
	VerbLeave  = "LEAVE"
	// VerbJoin is synthesized for any first message that is not a known
	// verb: the whole message is the room name to attach to.
	VerbJoin = "JOIN"
)

var ErrInvalidControl = errors.New("invalid control message")

// Command is one parsed control message.
type Command struct {
	Verb string
	Room string
}

// ParseCommand interprets a text message from the audio/control endpoint.
// LIST, CREATE, DELETE and LEAVE are explicit verbs; anything else is a join
// carrying the room name.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, ErrInvalidControl
	}
	verb, rest, _ := strings.Cut(text, " ")
	switch verb {
	case VerbList:
		if rest != "" {
			return Command{}, ErrInvalidControl
		}
		return Command{Verb: VerbList}, nil
	case VerbCreate, VerbDelete, VerbLeave:
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return Command{}, ErrInvalidControl
		}
		return Command{Verb: verb, Room: rest}, nil
	default:
		return Command{Verb: VerbJoin, Room: text}, nil
	}
}

// VideoJoin is the first message on the video endpoint, sent as JSON.
type VideoJoin struct {
	Room string `json:"room"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Video message tags. Outbound server->client video messages are
// tag byte + 4-byte big-endian sender id + frame bytes. Inbound frames carry
// only the tag byte, the server knows the sender.
const (
	VideoFrameTag byte = 0x01
	VideoLeaveTag byte = 0x02

	VideoHeaderSize = 1 + 4
)

// EncodeVideoFrame builds an outbound frame message for one sender.
func EncodeVideoFrame(senderID uint32, frame []byte) []byte {
	msg := make([]byte, VideoHeaderSize+len(frame))
	msg[0] = VideoFrameTag
	binary.BigEndian.PutUint32(msg[1:], senderID)
	copy(msg[VideoHeaderSize:], frame)
	return msg
}

// EncodeVideoLeave builds the notice broadcast when a sender leaves, so
// clients can retire that sender's rendering surface.
func EncodeVideoLeave(senderID uint32) []byte {
	msg := make([]byte, VideoHeaderSize)
	msg[0] = VideoLeaveTag
	binary.BigEndian.PutUint32(msg[1:], senderID)
	return msg
}
