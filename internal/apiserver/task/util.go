package task

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
)

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 写入错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseLimit 解析 limit 参数，缺省为默认值，上限 storage.MaxListLimit
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return storage.DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > storage.MaxListLimit {
		n = storage.MaxListLimit
	}
	return n, true
}
