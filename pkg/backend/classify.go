package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/harun/codepipe/pkg/errkind"
)

// classify maps an SDK or transport error onto an errkind kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ke *errkind.Error
	if errors.As(err, &ke) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return errkind.New(errkind.ClientDisconnected, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errkind.New(errkind.BackendUnavailable, op, err)
	}

	if status, ok := statusOf(err); ok {
		return errkind.New(kindForStatus(status), op, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return errkind.New(errkind.BackendRejected, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errkind.New(errkind.BackendUnavailable, op, err)
	}

	return errkind.New(errkind.BackendUnavailable, op, err)
}

func statusOf(err error) (int, bool) {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode, true
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return antErr.StatusCode, true
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code, true
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) {
		return gErrPtr.Code, true
	}
	return 0, false
}

// kindForStatus treats throttling and gateway failures as the backend being
// unavailable; any other error response is a rejection.
func kindForStatus(status int) errkind.Kind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return errkind.BackendUnavailable
	default:
		return errkind.BackendRejected
	}
}

func rejected(op, format string, args ...any) error {
	return errkind.Errorf(errkind.BackendRejected, op, format, args...)
}
