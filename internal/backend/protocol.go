package backend

import (
	"bytes"
	"encoding/json"

	"warelay/internal/reply"
)

// TurnMessage is one chat message in a turn request. Type 0 is a user message.
type TurnMessage struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// TurnData is the body of a chat turn, shared by both transports.
type TurnData struct {
	Messages    []TurnMessage `json:"messages"`
	ChatContext []any         `json:"chatContext"`
}

// SocketRequest is the frame sent on a session for one chat turn.
type SocketRequest struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data TurnData `json:"data"`
}

// StreamRequest is the body POSTed to the chat-stream endpoint.
type StreamRequest struct {
	TurnData
	BotID    string `json:"botId"`
	Referrer string `json:"referrer,omitempty"`
}

const requestTypeChat = "chat-request"

func newTurnData(text string) TurnData {
	return TurnData{
		Messages:    []TurnMessage{{Type: 0, Message: text}},
		ChatContext: []any{},
	}
}

// isTerminalFrame reports whether a raw frame ends the current turn.
func isTerminalFrame(data []byte) bool {
	data = bytes.TrimSpace(data)
	if string(data) == reply.DoneSentinel {
		return true
	}
	var ev reply.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return false
	}
	return ev.IsTerminal()
}
