// Package transport carries the voice session protocol over a WebSocket:
// an authenticated handshake, heartbeats, and bounded reconnects.
package transport

import (
	"encoding/json"
	"fmt"
)

// MessageType is the "type" discriminator of every wire message.
type MessageType string

const (
	TypeSessionStart    MessageType = "session_start"    // client -> server
	TypeSessionStarted  MessageType = "session_started"  // server -> client, gates audio
	TypeSessionRejected MessageType = "session_rejected" // server -> client, then close 4001
	TypeAudioChunk      MessageType = "audio_chunk"      // client -> server
	TypeUtteranceClosed MessageType = "utterance_closed" // client -> server, requests the final pass
	TypeTranscript      MessageType = "transcript"       // server -> client
	TypeReplySentence   MessageType = "reply_sentence"   // client -> server
	TypeInterrupt       MessageType = "interrupt"        // client -> server
	TypeNotice          MessageType = "notice"           // either direction
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
)

// CloseAuthRejected is the WebSocket close code sent after a rejected handshake.
const CloseAuthRejected = 4001

// Message is the JSON envelope for every protocol message. Data is carried
// base64-encoded by encoding/json.
type Message struct {
	Type        MessageType `json:"type"`
	AuthToken   string      `json:"authToken,omitempty"`
	SessionID   string      `json:"sessionId,omitempty"`
	Seq         uint64      `json:"seq,omitempty"`
	UtteranceID string      `json:"utteranceId,omitempty"`
	Encoding    string      `json:"encoding,omitempty"`
	SampleRate  int         `json:"sampleRate,omitempty"`
	Data        []byte      `json:"data,omitempty"`
	Kind        string      `json:"kind,omitempty"`
	Text        string      `json:"text,omitempty"`
	Confidence  float64     `json:"confidence,omitempty"`
	AttemptID   string      `json:"attemptId,omitempty"`
	Index       int         `json:"index,omitempty"`
	Code        string      `json:"code,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Decode parses one wire message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("invalid message: missing type")
	}
	return msg, nil
}

// Encode serializes one wire message.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
