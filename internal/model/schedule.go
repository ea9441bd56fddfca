package model

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ScheduleEntry は1回分の収集予定を表す。
type ScheduleEntry struct {
	CollectionType CollectionType `json:"collectionType"`
	Date           CalendarDate   `json:"date"`
}

// Schedule は収集種別ごとの収集日（昇順）を保持する。
// 4種別すべてのキーが常に存在し、予定がない種別は空スライスになる。
type Schedule map[CollectionType][]CalendarDate

// NewSchedule は全種別が空のScheduleを生成する。
func NewSchedule() Schedule {
	s := make(Schedule, len(AllCollectionTypes))
	for _, t := range AllCollectionTypes {
		s[t] = []CalendarDate{}
	}
	return s
}

// Add は収集日を追加する。並び順はNormalizeで整える。
func (s Schedule) Add(t CollectionType, d CalendarDate) {
	s[t] = append(s[t], d)
}

// Normalize は全種別のキーを補完し、各種別の収集日を昇順に並べて重複を除く。
func (s Schedule) Normalize() Schedule {
	out := NewSchedule()
	for t, dates := range s {
		if !t.Valid() {
			continue
		}
		sorted := slices.Clone(dates)
		slices.SortFunc(sorted, CalendarDate.Compare)
		out[t] = slices.Compact(sorted)
		if out[t] == nil {
			out[t] = []CalendarDate{}
		}
	}
	return out
}

// Clone はScheduleのディープコピーを返す。
func (s Schedule) Clone() Schedule {
	out := NewSchedule()
	for t, dates := range s {
		out[t] = append([]CalendarDate{}, dates...)
	}
	return out
}

// Entries は全収集予定を種別の表示順、日付の昇順で返す。
func (s Schedule) Entries() []ScheduleEntry {
	var entries []ScheduleEntry
	for _, t := range AllCollectionTypes {
		for _, d := range s[t] {
			entries = append(entries, ScheduleEntry{CollectionType: t, Date: d})
		}
	}
	return entries
}

// Next は指定種別の最も早い収集日を返す。予定がない場合はfalseを返す。
func (s Schedule) Next(t CollectionType) (CalendarDate, bool) {
	dates := s[t]
	if len(dates) == 0 {
		return CalendarDate{}, false
	}
	return dates[0], true
}

// Len は全種別の収集日数の合計を返す。
func (s Schedule) Len() int {
	n := 0
	for _, dates := range s {
		n += len(dates)
	}
	return n
}

// Equal は2つのScheduleが同じ収集日を持つかどうかを返す。
func (s Schedule) Equal(o Schedule) bool {
	for _, t := range AllCollectionTypes {
		if !slices.Equal(s[t], o[t]) {
			return false
		}
	}
	return true
}

// MarshalJSON は全種別のキーを常に含めてエンコードする。
func (s Schedule) MarshalJSON() ([]byte, error) {
	out := make(map[CollectionType][]CalendarDate, len(AllCollectionTypes))
	for _, t := range AllCollectionTypes {
		dates := s[t]
		if dates == nil {
			dates = []CalendarDate{}
		}
		out[t] = dates
	}
	return json.Marshal(out)
}

// UnmarshalJSON は未知の種別を拒否し、欠落した種別を空で補完してデコードする。
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var raw map[string][]CalendarDate
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("収集スケジュールの解析に失敗しました: %w", err)
	}
	out := make(Schedule, len(raw))
	for k, dates := range raw {
		t, ok := ParseCollectionType(k)
		if !ok {
			return fmt.Errorf("未知の収集種別です: %q", k)
		}
		out[t] = dates
	}
	*s = out.Normalize()
	return nil
}
