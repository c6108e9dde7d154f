// Package httpx 控制面、签发服务和 agent 共用的 JSON 错误信封
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"titan/pkg/fleeterr"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor 把错误分类映射成状态码，调用方据此分支
func StatusFor(err error) int {
	switch fleeterr.KindOf(err) {
	case fleeterr.KindNotFound:
		return http.StatusNotFound
	case fleeterr.KindConflict:
		return http.StatusConflict
	case fleeterr.KindInvariant:
		return http.StatusUnprocessableEntity
	case fleeterr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError 以 {error, kind} 的形式返回错误，DecodeError 是它的逆过程
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), errorBody{Error: err.Error(), Kind: fleeterr.KindOf(err).String()})
}

// DecodeError 客户端侧把错误响应还原成分类错误
func DecodeError(op string, resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fleeterr.NotFound(op, "%s", msg)
	case http.StatusConflict:
		return fleeterr.Conflict(op, "%s", msg)
	case http.StatusUnprocessableEntity:
		return fleeterr.Invariant(op, "%s", msg)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fleeterr.Transient(op, errors.New(msg))
	default:
		return fleeterr.New(fleeterr.KindUnknown, op, errors.New(msg))
	}
}
