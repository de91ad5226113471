package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// IsoTimestamp OKX 签名要求的毫秒级 ISO8601 UTC 时间戳。
func IsoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Sign 计算 OKX v5 请求签名：base64(HMAC-SHA256(ts+method+path+body, secret))。
// path 必须包含查询串，GET 请求 body 为空字符串。
func Sign(timestamp, method, requestPath, body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
