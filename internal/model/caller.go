package model

import "strings"

// Caller は認証済みのAPI呼び出し元。
type Caller struct {
	UserID string
	Email  string
	// Operator は運営者として登録されたユーザーの場合true。
	Operator bool
}

// Owns は借り手本人からの呼び出しかを返す。
func (c Caller) Owns(b *Borrower) bool {
	return b != nil && c.UserID != "" && b.UserID == c.UserID
}

// IsOrganizationOwner は提携組織の代表者メールアドレスと一致するかを返す。大文字小文字は区別しない。
func (c Caller) IsOrganizationOwner(org *Organization) bool {
	return org != nil && c.Email != "" && strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(org.OwnerEmail))
}
