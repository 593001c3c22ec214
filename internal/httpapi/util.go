package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

const (
	maxBodyBytes = 1 << 16
	maxListLimit = 200
)

var errBodyTooLarge = errors.New("request body too large")

// writeJSON 界面轮询的是实时状态，禁止缓存
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseLimit 解析列表条数；缺省、非法或非正数时用 def，超过 max 时截断
func parseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// readBodyJSON 空 body 视为未提供参数；超过 maxBytes 直接拒绝而不是截断后解析
func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return errBodyTooLarge
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
