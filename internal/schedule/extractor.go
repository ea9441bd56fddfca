// Package schedule は自治体のカレンダーデータから収集スケジュールを抽出する。
// 収集記録を種別に分類し、未来の日付のみを昇順で保持する。
package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hitoshi/binday/internal/model"
)

// Source は収集記録がどちらのリストに含まれていたかを表す。
type Source int

const (
	// SourceRegular は通常収集リスト（PickUpDateList）。
	SourceRegular Source = iota
	// SourceSpecial は特別収集リスト（SpecialPickUpList）。
	SourceSpecial
)

// Code は収集種別コード。JSON上は数値と文字列のどちらでも受け付ける。
type Code string

// UnmarshalJSON は数値・文字列・nullのいずれからもデコードする。
func (c *Code) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("収集種別コードの形式が不正です: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// Record はカレンダーデータ中の1件の収集記録。
type Record struct {
	CollectionTypeDisplayName string `json:"CollectionTypeDisplayName"`
	CollectionTypeCode        Code   `json:"CollectionTypeCode"`
	FormattedDate             string `json:"FormattedLongSpecialPickUpDate"`
}

// Payload はカレンダーページに埋め込まれたモデルのうち、抽出に必要な部分。
type Payload struct {
	PickUpDateList    []Record `json:"PickUpDateList"`
	SpecialPickUpList []Record `json:"SpecialPickUpList"`
}

// Label は分類に使用するタグ付きの値。
type Label struct {
	Source      Source
	DisplayName string
	Code        Code
}

type rule struct {
	source      Source
	displayName string
	code        Code
	ct          model.CollectionType
}

// rules は分類表。表示名を先に照合し、一致しない場合にコードで照合する。
var rules = []rule{
	{SourceRegular, "Garbage", "10", model.CollectionGarbage},
	{SourceRegular, "Green Bin & Recycling", "20", model.CollectionRecycling},
	{SourceSpecial, "3-Container Exemption garbage collection", "11", model.CollectionSpecial},
	{SourceSpecial, "Yard Waste collection wee", "30", model.CollectionYardWaste},
}

// Classify は収集記録のラベルから収集種別を判定する。
// 表示名（大小文字・HTMLエンティティ・前後空白を無視）を優先し、次にコードで判定する。
// どちらにも一致しない記録はfalseを返し、呼び出し側で破棄する。
func Classify(l Label) (model.CollectionType, bool) {
	name := strings.TrimSpace(html.UnescapeString(l.DisplayName))
	if name != "" {
		for _, r := range rules {
			if r.source == l.Source && strings.EqualFold(name, r.displayName) {
				return r.ct, true
			}
		}
	}
	if l.Code != "" {
		for _, r := range rules {
			if r.source == l.Source && l.Code == r.code {
				return r.ct, true
			}
		}
	}
	return "", false
}

// Extract はPayloadから収集スケジュールを構築する。
// 日付はlocで解釈し、nowより厳密に後の日付のみを残す。
// 分類できない記録と解析できない日付は破棄する。
func Extract(p Payload, now time.Time, loc *time.Location) model.Schedule {
	if loc == nil {
		loc = now.Location()
	}
	s := model.NewSchedule()
	collect := func(src Source, records []Record) {
		for _, rec := range records {
			ct, ok := Classify(Label{Source: src, DisplayName: rec.CollectionTypeDisplayName, Code: rec.CollectionTypeCode})
			if !ok {
				continue
			}
			at, err := ParseDate(rec.FormattedDate, loc)
			if err != nil {
				continue
			}
			if !at.After(now) {
				continue
			}
			s.Add(ct, model.DateOf(at))
		}
	}
	collect(SourceRegular, p.PickUpDateList)
	collect(SourceSpecial, p.SpecialPickUpList)
	return s.Normalize()
}

// ExtractJSON はカレンダーモデルのJSONを解析してExtractする。
func ExtractJSON(data []byte, now time.Time, loc *time.Location) (model.Schedule, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("カレンダーモデルの解析に失敗しました: %w: %v", model.ErrParseFailure, err)
	}
	return Extract(p, now, loc), nil
}

// dateLayouts は受け付ける日付書式。先頭から順に試す。
var dateLayouts = []string{
	"Monday, January 2, 2006",
	"Monday, January 02, 2006",
	"Mon, Jan 2, 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseDate は収集日文字列をloc上の時刻として解析する。
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, fmt.Errorf("日付が空です")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("日付を解析できません: %q", s)
}

// DropPast はsからnowより後ではない日付を取り除いたコピーを返す。
// キャッシュから読み出したスケジュールを現在時刻に合わせるために使用する。
func DropPast(s model.Schedule, now time.Time, loc *time.Location) model.Schedule {
	if loc == nil {
		loc = now.Location()
	}
	out := model.NewSchedule()
	for t, dates := range s {
		for _, d := range dates {
			if d.StartOf(loc).After(now) {
				out.Add(t, d)
			}
		}
	}
	return out.Normalize()
}
