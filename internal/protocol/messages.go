package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies control message variants multiplexed on the
// bridge websocket alongside raw binary audio frames.
type MessageType string

const (
	TypeAudioInput            MessageType = "audio_input"
	TypeAudioInputComplete    MessageType = "audio_input_complete"
	TypeAudioDelta            MessageType = "audio_delta"
	TypeTranscript            MessageType = "transcript"
	TypeConnectionEstablished MessageType = "connection_established"
)

// Speaker tags a transcript line with the side that produced it.
type Speaker string

const (
	SpeakerLocal  Speaker = "local"
	SpeakerRemote Speaker = "remote"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioInput carries one captured mic chunk. Audio is PCM16LE bytes;
// encoding/json transports it as base64.
type AudioInput struct {
	Type  MessageType `json:"type"`
	Audio []byte      `json:"audio"`
}

// AudioInputComplete signals end-of-turn: no further audio frames follow
// until recording is re-toggled.
type AudioInputComplete struct {
	Type MessageType `json:"type"`
}

// AudioDelta carries one streamed response chunk from the remote engine,
// base64-encoded PCM16LE.
type AudioDelta struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	Speaker   Speaker     `json:"speaker"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type ConnectionEstablished struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

// Parse decodes one JSON control message into its concrete variant.
// Unknown tags yield ErrUnsupportedType so callers can ignore them
// without treating the message as fatal.
func Parse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioInput:
		var msg AudioInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioInputComplete:
		return AudioInputComplete{Type: TypeAudioInputComplete}, nil
	case TypeAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio_delta: empty audio")
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Speaker != SpeakerLocal && msg.Speaker != SpeakerRemote {
			return nil, fmt.Errorf("invalid transcript speaker %q", msg.Speaker)
		}
		return msg, nil
	case TypeConnectionEstablished:
		var msg ConnectionEstablished
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of a parsed control message, used for
// per-message metrics labels.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AudioInput:
		return m.Type, true
	case AudioInputComplete:
		return m.Type, true
	case AudioDelta:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case ConnectionEstablished:
		return m.Type, true
	default:
		return "", false
	}
}
