package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// SignatureHeader はTwilioがWebhookに付与する署名ヘッダー。
const SignatureHeader = "X-Twilio-Signature"

// Sign はリクエストURLとPOSTパラメータからTwilio形式の署名を計算する。
// URLの後ろにキー昇順で key+value を連結し、HMAC-SHA1をbase64で返す。
func Sign(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := fullURL
	for _, k := range keys {
		for _, v := range params[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature は署名ヘッダーの値を定数時間で比較する。
// トークンまたは署名が空の場合は常にfalse。
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Sign(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
