package domain

import (
	"encoding/json"
	"fmt"
)

// Content is the body of a chat message: TextContent or SharedObjectContent.
type Content interface {
	Kind() MessageKind
}

type TextContent struct {
	Text string
}

func (TextContent) Kind() MessageKind { return KindText }

type SharedObjectContent struct {
	ObjectID string
	Title    string
	Text     string
}

func (SharedObjectContent) Kind() MessageKind { return KindSharedObject }

type sharedObjectPayload struct {
	Type     string `json:"type"`
	ObjectID string `json:"object_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// EncodeContent returns the kind and stored representation of c.
func EncodeContent(c Content) (MessageKind, string, error) {
	switch v := c.(type) {
	case TextContent:
		return KindText, v.Text, nil
	case SharedObjectContent:
		b, err := json.Marshal(sharedObjectPayload{
			Type:     string(KindSharedObject),
			ObjectID: v.ObjectID,
			Title:    v.Title,
			Message:  v.Text,
		})
		if err != nil {
			return "", "", fmt.Errorf("encode shared object content: %w", err)
		}
		return KindSharedObject, string(b), nil
	}
	return "", "", fmt.Errorf("unsupported content %T", c)
}

// DecodeContent reverses EncodeContent using the stored kind.
func DecodeContent(kind MessageKind, stored string) (Content, error) {
	switch kind {
	case KindText, "":
		return TextContent{Text: stored}, nil
	case KindSharedObject:
		var p sharedObjectPayload
		if err := json.Unmarshal([]byte(stored), &p); err != nil {
			return nil, fmt.Errorf("decode shared object content: %w", err)
		}
		return SharedObjectContent{ObjectID: p.ObjectID, Title: p.Title, Text: p.Message}, nil
	}
	return nil, fmt.Errorf("unknown message kind %q", kind)
}

// ReplaceText swaps the text of stored content and returns the new stored
// form. The kind and any shared object reference are kept.
func ReplaceText(kind MessageKind, stored, text string) (string, error) {
	c, err := DecodeContent(kind, stored)
	if err != nil {
		return "", err
	}
	switch v := c.(type) {
	case TextContent:
		v.Text = text
		c = v
	case SharedObjectContent:
		v.Text = text
		c = v
	}
	_, out, err := EncodeContent(c)
	return out, err
}
