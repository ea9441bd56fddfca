package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const calendarDateLayout = "2006-01-02"

// CalendarDate は時刻を持たない暦日を表す。
// 比較は年月日のみで行い、タイムゾーンの影響を受けない。
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf はtのロケーションにおける暦日を返す。
func DateOf(t time.Time) CalendarDate {
	y, m, d := t.Date()
	return CalendarDate{Year: y, Month: m, Day: d}
}

// NewCalendarDate は年月日からCalendarDateを生成する。範囲外の値は正規化される。
func NewCalendarDate(year int, month time.Month, day int) CalendarDate {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// ParseCalendarDate は "YYYY-MM-DD" 形式の文字列を解析する。
func ParseCalendarDate(s string) (CalendarDate, error) {
	t, err := time.Parse(calendarDateLayout, s)
	if err != nil {
		return CalendarDate{}, fmt.Errorf("日付の形式が不正です: %q: %w", s, err)
	}
	return DateOf(t), nil
}

// StartOf はlocにおけるその日の0時0分を返す。
func (d CalendarDate) StartOf(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays はn日後の暦日を返す。
func (d CalendarDate) AddDays(n int) CalendarDate {
	return DateOf(d.StartOf(time.UTC).AddDate(0, 0, n))
}

// Compare はdがoより前なら-1、同日なら0、後なら1を返す。
func (d CalendarDate) Compare(o CalendarDate) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(int(d.Month) - int(o.Month))
	default:
		return sign(d.Day - o.Day)
	}
}

// Before はdがoより前の暦日かどうかを返す。
func (d CalendarDate) Before(o CalendarDate) bool { return d.Compare(o) < 0 }

// After はdがoより後の暦日かどうかを返す。
func (d CalendarDate) After(o CalendarDate) bool { return d.Compare(o) > 0 }

// String は "YYYY-MM-DD" 形式の文字列を返す。
func (d CalendarDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON は "YYYY-MM-DD" 文字列としてエンコードする。
func (d CalendarDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON は "YYYY-MM-DD" 文字列からデコードする。
func (d *CalendarDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("日付は文字列で指定してください: %w", err)
	}
	parsed, err := ParseCalendarDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
