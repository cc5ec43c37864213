package stream

import (
	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/pipeline"
)

// Chunk is the wire form of one event. Stage, Content and Error are null
// when the event has none.
type Chunk struct {
	Seq       int64    `json:"seq"`
	RunID     string   `json:"run_id"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Type      string   `json:"type"`
	Stage     *string  `json:"stage"`
	Ordinal   int      `json:"ordinal,omitempty"`
	Content   *string  `json:"content"`
	Error     *string  `json:"error"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Responses []string `json:"responses,omitempty"`
}

// FromEvent converts ev to its wire form.
func FromEvent(ev pipeline.Event) Chunk {
	c := Chunk{
		Seq:       ev.Seq,
		RunID:     ev.RunID,
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		Type:      string(ev.Type),
		Ordinal:   ev.Ordinal,
	}
	if ev.Stage != "" {
		c.Stage = ptr(ev.Stage)
	}

	switch ev.Type {
	case pipeline.StageChunk, pipeline.StageCompleted:
		c.Content = ptr(ev.Content)
	case pipeline.RunCompleted:
		if ev.Aggregate != nil {
			c.Content = ptr(ev.Aggregate.Final)
		}
	}

	if ev.Err != nil {
		c.Error = ptr(ev.Err.Error())
		c.ErrorKind = string(errkind.KindOf(ev.Err))
	}
	if ev.Aggregate != nil {
		c.Responses = responses(ev.Aggregate.Responses)
	}
	return c
}

// Terminal reports whether c is the last chunk of a run.
func (c Chunk) Terminal() bool {
	return pipeline.EventType(c.Type).Terminal()
}

func ptr(s string) *string { return &s }

func responses(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
