package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	wterrors "github.com/intranet/worktime/pkg/errors"
)

// classifyTransport maps a failed round trip to the network taxonomy. Only
// failures that provably happened before the request left the device are
// definitive; everything else may have reached the server. A request the
// caller cancelled is not a network failure and keeps context.Canceled in
// its chain.
func classifyTransport(method, path string, err error) error {
	if we, ok := wterrors.As(err); ok {
		return we
	}

	op := fmt.Sprintf("%s %s", method, path)
	if stderrors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: cancelled: %w", op, err)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return wterrors.NewNetworkError(op+": server unreachable", err)
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return wterrors.NewNetworkError(op+": host lookup failed", err)
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ENETUNREACH) || stderrors.Is(err, syscall.EHOSTUNREACH) {
		return wterrors.NewNetworkError(op+": server unreachable", err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return wterrors.NewAmbiguousNetworkError(op+": request timed out", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return wterrors.NewAmbiguousNetworkError(op+": request timed out", err)
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return wterrors.NewAmbiguousNetworkError(op+": connection lost", err)
	}

	return wterrors.NewAmbiguousNetworkError(op+": request failed", err)
}

// classifyStatus maps a non-2xx answer to the error taxonomy
func classifyStatus(method, path string, status int, body []byte) error {
	op := fmt.Sprintf("%s %s", method, path)
	msg := serverMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return wterrors.NewAuthError(msg, nil).WithStatus(status).WithContext("op", op)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return wterrors.NewNetworkError(op+": "+msg, nil).WithStatus(status)
	case status == http.StatusInternalServerError || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return wterrors.NewAmbiguousNetworkError(op+": "+msg, nil).WithStatus(status)
	case status >= 400 && status < 500:
		return wterrors.NewBusinessError(msg, nil).WithStatus(status).WithContext("op", op)
	default:
		return wterrors.NewAmbiguousNetworkError(op+": "+msg, nil).WithStatus(status)
	}
}

// malformed reports a success answer that could not be understood. The
// server may have applied the request, so the error is ambiguous.
func malformed(op string, err error) error {
	return wterrors.NewAmbiguousNetworkError("malformed "+op+" response", err)
}

func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
