// Package envelope は電子署名プロバイダーから届く封筒ステータス通知をローンに反映する。
package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
)

// Status は正規化済みの封筒ステータス。
type Status string

const (
	StatusSigned    Status = "signed"
	StatusDeclined  Status = "declined"
	StatusVoided    Status = "voided"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

// Normalize はプロバイダーのステータス文字列を小文字化して正規化する。
// completed と signed は signed にまとめる。未知の値は小文字化したまま返す。
func Normalize(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "completed", "signed":
		return StatusSigned
	}
	return Status(s)
}

// Event はパース済みの封筒ステータス通知。
type Event struct {
	EnvelopeID string
	RawStatus  string
	// CompletedAt はプロバイダーが完了日時を通知した場合のみ設定される。
	CompletedAt *time.Time
	// OccurredAt は通知の発生日時。通知に含まれない場合はnil。
	OccurredAt *time.Time
}

// FormatError は通知ペイロードがどの既知の形式にも一致しない場合のエラー。
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "封筒通知の形式が不正です: " + e.Reason
}

// Unwrap は入力検証エラーとしてのAPIErrorを返す。
func (e *FormatError) Unwrap() error {
	return model.NewValidationError(model.ErrCodeInvalidPayload, "envelope event payload is not recognized")
}

// nestedPayload はConnect通知（JSON SIM形式）の入れ子構造。
type nestedPayload struct {
	GeneratedDateTime string `json:"generatedDateTime"`
	Data              *struct {
		EnvelopeID      string `json:"envelopeId"`
		EnvelopeSummary *struct {
			Status            string `json:"status"`
			CompletedDateTime string `json:"completedDateTime"`
		} `json:"envelopeSummary"`
	} `json:"data"`
}

// flatPayload は旧形式のフラットな通知構造。
type flatPayload struct {
	EnvelopeID            string `json:"envelopeId"`
	Status                string `json:"status"`
	EnvelopeStatus        string `json:"envelopeStatus"`
	CompletedDateTime     string `json:"completedDateTime"`
	StatusChangedDateTime string `json:"statusChangedDateTime"`
}

// shapeParsers は既知の通知形式ごとのパーサー。先頭から順に試す。
var shapeParsers = []func(payload []byte) (Event, bool){
	parseNested,
	parseFlat,
}

// ParseEvent は入れ子形式、フラット形式の順に通知をパースする。
// ある形式のデコードに失敗しても次の形式を試し、どれにも一致しない場合は*FormatErrorを返す。
func ParseEvent(payload []byte) (Event, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return Event{}, &FormatError{Reason: "JSONオブジェクトとして解釈できません"}
	}
	for _, parse := range shapeParsers {
		if event, ok := parse(payload); ok {
			return event, nil
		}
	}
	return Event{}, &FormatError{Reason: "envelopeIdまたはstatusがありません"}
}

func parseNested(payload []byte) (Event, bool) {
	var nested nestedPayload
	if err := json.Unmarshal(payload, &nested); err != nil {
		return Event{}, false
	}
	if nested.Data == nil || nested.Data.EnvelopeID == "" ||
		nested.Data.EnvelopeSummary == nil || nested.Data.EnvelopeSummary.Status == "" {
		return Event{}, false
	}
	return Event{
		EnvelopeID:  nested.Data.EnvelopeID,
		RawStatus:   nested.Data.EnvelopeSummary.Status,
		CompletedAt: parseTime(nested.Data.EnvelopeSummary.CompletedDateTime),
		OccurredAt:  parseTime(nested.GeneratedDateTime),
	}, true
}

func parseFlat(payload []byte) (Event, bool) {
	var flat flatPayload
	if err := json.Unmarshal(payload, &flat); err != nil {
		return Event{}, false
	}
	status := flat.Status
	if status == "" {
		status = flat.EnvelopeStatus
	}
	if flat.EnvelopeID == "" || status == "" {
		return Event{}, false
	}
	return Event{
		EnvelopeID:  flat.EnvelopeID,
		RawStatus:   status,
		CompletedAt: parseTime(flat.CompletedDateTime),
		OccurredAt:  parseTime(flat.StatusChangedDateTime),
	}, true
}

// parseTime はRFC3339の日時をパースする。空文字や解釈できない値はnilを返す。
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
