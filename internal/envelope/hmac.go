package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader はConnect通知のHMAC署名ヘッダー名。
const SignatureHeader = "X-DocuSign-Signature-1"

// Sign はボディのHMAC-SHA256をbase64で返す。
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature はヘッダーの署名がボディと一致するかを定数時間で比較する。
func VerifySignature(key string, body []byte, signature string) bool {
	if key == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(key, body)), []byte(signature))
}
