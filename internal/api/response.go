package api

import (
	"encoding/json"
	"io"
	"net/http"

	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
)

const maxBodyBytes = 1 << 20

type resolutionView struct {
	Confirmation *confirm.Confirmation `json:"confirmation"`
	Executed     bool                  `json:"executed"`
	Text         string                `json:"text"`
	TxHash       string                `json:"tx_hash,omitempty"`
	ErrorCode    string                `json:"error_code,omitempty"`
}

func newResolutionView(res confirm.Resolution) resolutionView {
	view := resolutionView{
		Confirmation: res.Confirmation,
		Executed:     res.Executed,
		Text:         res.Text(),
		TxHash:       res.Outcome.TxHash,
	}
	if res.Err != nil {
		view.ErrorCode = string(xerrors.CodeOf(res.Err))
	}
	return view
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: xerrors.MessageOf(err)}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusOf(err), map[string]errorBody{"error": body})
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case confirm.CodeNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case confirm.CodeDecided, confirm.CodeUndecided, confirm.CodeInProgress, xerrors.CodeConflict:
		return http.StatusConflict
	case confirm.CodeExpired:
		return http.StatusGone
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotAuthorized:
		return http.StatusForbidden
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
