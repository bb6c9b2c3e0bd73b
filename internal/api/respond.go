package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误映射为 HTTP 状态码与 JSON 错误体。
func writeError(w http.ResponseWriter, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		logger.Named("api").Error("unclassified error", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
			Code:    xerrors.CodeUnknown,
			Message: err.Error(),
		}})
		return
	}
	if e.HTTPStatus() >= http.StatusInternalServerError {
		logger.Named("api").Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, e.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:    e.Code(),
		Message: e.Message(),
		Params:  e.Metadata(),
	}})
}

func unavailable(module string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, module+" is not enabled")
}

// decodeJSON 解析请求体，未知字段视为错误。
func decodeJSON(r *http.Request, w http.ResponseWriter, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

func parseAmount(field, raw string) (amount.Amount, error) {
	v, err := amount.Parse(raw)
	if err != nil {
		return amount.Amount{}, xerrors.Wrap(ledger.CodeInvalidAmount, err, "", xerrors.WithParams(field, raw))
	}
	return v, nil
}

func parseKind(raw string) (ledger.TokenKind, error) {
	kind, err := ledger.ParseKind(raw)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "unknown token kind", xerrors.WithParams("kind", raw))
	}
	return kind, nil
}

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fields[i]+" is required", xerrors.WithParams("field", fields[i]))
		}
	}
	return nil
}
