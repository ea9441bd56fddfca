package push

// Outcome はプッシュサービスの応答ステータスに基づく配送結果の分類。
type Outcome int

const (
	// OutcomeDelivered は配送成功（2xx）。
	OutcomeDelivered Outcome = iota
	// OutcomePermanent は購読が無効になっている（404/410）。購読を削除する。
	OutcomePermanent
	// OutcomeTransient は一時的な失敗（429/5xx/その他）。購読は保持する。
	OutcomeTransient
)

// String はメトリクスのラベルに使用する名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomePermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// ClassifyStatus はHTTPステータスコードを配送結果に分類する。
func ClassifyStatus(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeDelivered
	case statusCode == 404 || statusCode == 410:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
