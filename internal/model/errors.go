// Package model はドメインモデルを定義する。
package model

import "fmt"

// CoreError はコア層の統一エラーフォーマットを表す。
// 上位のAPI層がカテゴリに基づいてレスポンスへ変換する。
type CoreError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, source, system
}

// Error はerrorインターフェースを実装する。
func (e *CoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSourceNotFound = "SOURCE_NOT_FOUND"
	ErrCodeItemNotFound   = "ITEM_NOT_FOUND"
	ErrCodeInvalidField   = "INVALID_FIELD"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
)

// NewSourceNotFoundError はソース未検出エラーを生成する。
func NewSourceNotFoundError(sourceID string) *CoreError {
	return &CoreError{
		Code:     ErrCodeSourceNotFound,
		Message:  fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		Category: "source",
	}
}

// NewItemNotFoundError は記事未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *CoreError {
	return &CoreError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", itemID),
		Category: "source",
	}
}

// NewInvalidFieldError は無効な状態フィールドエラーを生成する。
func NewInvalidFieldError(field string) *CoreError {
	return &CoreError{
		Code:     ErrCodeInvalidField,
		Message:  fmt.Sprintf("無効な状態フィールドです: %s", field),
		Category: "validation",
	}
}

// NewInvalidPayloadError は不正なジョブペイロードエラーを生成する。
// ジョブ1回分の実行を失敗させるが、ワーカープロセスは継続する。
func NewInvalidPayloadError(jobID, reason string) *CoreError {
	return &CoreError{
		Code:     ErrCodeInvalidPayload,
		Message:  fmt.Sprintf("ジョブのペイロードが不正です (job=%s): %s", jobID, reason),
		Category: "system",
	}
}
