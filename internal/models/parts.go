package models

import "encoding/json"

// PartKind names a content part variant.
type PartKind string

// Content part kinds.
const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
	PartThinking   PartKind = "thinking"
)

// Part is one typed unit of message content. The set of implementations is
// closed; consumers switch on the concrete type and reject anything else.
type Part interface {
	Kind() PartKind
	isPart()
}

// TextPart is visible text.
type TextPart struct {
	Text string
}

// ImagePart references an image by URL or data URI.
type ImagePart struct {
	URL    string
	Detail string
}

// ToolUsePart is a tool invocation requested by the assistant.
type ToolUsePart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultPart is the output of a tool invocation.
type ToolResultPart struct {
	ToolUseID string
	Content   []Part
	IsError   bool
}

// ThinkingPart is free-form reasoning text.
type ThinkingPart struct {
	Text      string
	Signature string
}

func (TextPart) Kind() PartKind       { return PartText }
func (ImagePart) Kind() PartKind      { return PartImage }
func (ToolUsePart) Kind() PartKind    { return PartToolUse }
func (ToolResultPart) Kind() PartKind { return PartToolResult }
func (ThinkingPart) Kind() PartKind   { return PartThinking }

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ThinkingPart) isPart()   {}
