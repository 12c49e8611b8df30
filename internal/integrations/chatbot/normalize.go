package chatbot

import (
	"bytes"
	"encoding/json"
)

// Response shapes the chatbot endpoint may answer with.
const (
	ShapeSimple = "simpleMessage"
	ShapeLegacy = "legacy"
)

// Result is the single internal form of a chatbot reply.
type Result struct {
	Message     string   `json:"message"`
	Replies     []string `json:"replies"`
	Suggestions []string `json:"suggestions"`
	SessionID   string   `json:"sessionId,omitempty"`
	IsHTML      bool     `json:"isHtml"`
	// Shape records which response format produced the result.
	Shape string `json:"-"`
}

// Normalize maps either response shape onto Result. A body whose "type" is
// "simpleMessage" is an HTML message; anything else is read as the legacy
// shape, from the nested "response" object when present. Malformed input
// yields the legacy defaults rather than an error.
func Normalize(raw []byte) Result {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil || root == nil {
		return legacyResult(nil)
	}

	if stringField(root, "type") == ShapeSimple {
		msg := stringField(root, "message")
		replies := []string{}
		if msg != "" {
			replies = []string{msg}
		}
		return Result{
			Message:     msg,
			Replies:     replies,
			Suggestions: stringList(root, "suggestions"),
			IsHTML:      true,
			Shape:       ShapeSimple,
		}
	}

	body := root
	if nested, ok := root["response"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil && inner != nil {
			body = inner
		}
	}
	return legacyResult(body)
}

func legacyResult(body map[string]json.RawMessage) Result {
	return Result{
		Message:     "",
		Replies:     stringList(body, "replies"),
		Suggestions: stringList(body, "suggestions"),
		SessionID:   stringField(body, "sessionId"),
		IsHTML:      false,
		Shape:       ShapeLegacy,
	}
}

// stringField reads a string (or bare number) field; anything else is "".
func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

// stringList reads an array field keeping only its string elements. A missing
// or non-array field is an empty, non-nil list.
func stringList(obj map[string]json.RawMessage, key string) []string {
	out := []string{}
	raw, ok := obj[key]
	if !ok {
		return out
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out
	}
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}
