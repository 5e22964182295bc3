package adapters

import "errors"

// Capability 呼び出しの失敗種別です。品質スコアの不足とは区別され、
// リトライループ内で暗黙に再試行されることはありません。
var (
	// ErrRateLimited はプロバイダのレート制限に到達したことを示します。
	ErrRateLimited = errors.New("capability: レート制限に到達しました")

	// ErrContentBlocked はコンテンツポリシーにより生成が拒否されたことを示します。
	ErrContentBlocked = errors.New("capability: コンテンツポリシーにより拒否されました")

	// ErrProvider は上記以外のプロバイダ側エラーです。
	ErrProvider = errors.New("capability: プロバイダエラー")
)

// IsCapabilityError は err が Capability エラー分類のいずれかであるかを返します。
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrProvider)
}
