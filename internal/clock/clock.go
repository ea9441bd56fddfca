// Package clock は現在時刻の取得を抽象化する。
// 通知判定や剪定は「今日」「明日」に依存するため、テストでは固定時刻を注入する。
package clock

import "time"

// Clock は現在時刻を返す。
type Clock interface {
	Now() time.Time
}

// Real はシステム時刻を返すClock。
type Real struct {
	Location *time.Location
}

// Now はLocationにおける現在時刻を返す。Locationが未設定の場合はローカル時刻。
func (r Real) Now() time.Time {
	if r.Location != nil {
		return time.Now().In(r.Location)
	}
	return time.Now()
}

// Fixed は常に同じ時刻を返すClock。
type Fixed struct {
	T time.Time
}

// Now は固定時刻を返す。
func (f Fixed) Now() time.Time { return f.T }

// Func は関数をClockとして扱う。
type Func func() time.Time

// Now は関数の戻り値を返す。
func (f Func) Now() time.Time { return f() }
