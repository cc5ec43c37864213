package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/pipeline"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// AskRequestSchema is the JSON Schema for /ask, /ask_stream and /ws messages.
const AskRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "user_id": {"type": ["string", "null"], "maxLength": 128},
    "session_id": {"type": ["string", "null"], "maxLength": 128}
  }
}`

// AskRequest is the body of a pipeline request.
type AskRequest struct {
	Query     string  `json:"query"`
	UserID    *string `json:"user_id,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
}

func (r AskRequest) toPipeline() pipeline.Request {
	req := pipeline.Request{Query: r.Query}
	if r.UserID != nil {
		req.UserID = *r.UserID
	}
	if r.SessionID != nil {
		req.SessionID = *r.SessionID
	}
	return req
}

// requestValidator checks request bodies against AskRequestSchema.
type requestValidator struct {
	schema *gojsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(AskRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

// Decode validates data and unmarshals it. Every failure is StageInputInvalid.
func (v *requestValidator) Decode(data []byte) (AskRequest, error) {
	var req AskRequest

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return req, errkind.New(errkind.StageInputInvalid, "server.decode", fmt.Errorf("invalid JSON: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return req, errkind.Errorf(errkind.StageInputInvalid, "server.decode", "validation errors: %s", strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, errkind.New(errkind.StageInputInvalid, "server.decode", err)
	}
	return req, nil
}
