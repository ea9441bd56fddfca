// Package calendar はお気に入り住所の収集予定をiCalendar形式で出力する。
package calendar

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/locale"
	"github.com/hitoshi/binday/internal/model"
)

// ContentType はiCalendarのMIMEタイプ。
const ContentType = "text/calendar; charset=utf-8"

// AlarmTrigger は収集日0時を基準としたアラームの時刻（前日18時）。
const AlarmTrigger = "-PT6H"

const (
	prodID          = "-//binday//Collection Calendar//EN"
	refreshInterval = 12 * time.Hour
	uidDomain       = "binday"
)

var uidNamespace = uuid.MustParse("0d9a3f5c-1b7e-4c2a-9f6d-8e4b2a7c1d30")

// Generator はiCalendarを生成する。
type Generator struct {
	catalog *locale.Catalog
	clock   clock.Clock
}

// NewGenerator はGeneratorを生成する。
func NewGenerator(catalog *locale.Catalog, clk clock.Clock) *Generator {
	return &Generator{catalog: catalog, clock: clk}
}

// Generate はお気に入りの収集予定を終日イベントとして出力する。
// 各イベントには前日18時に表示するアラームを付ける。
func (g *Generator) Generate(fav model.FavoriteAddress, lang string) ([]byte, error) {
	l := g.catalog.For(lang)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")
	cal.Props.SetText(ical.PropMethod, "PUBLISH")
	cal.Props.SetText("X-WR-CALNAME", l.CalendarName(fav.Address))

	refresh := ical.NewProp(ical.PropRefreshInterval)
	refresh.SetDuration(refreshInterval)
	cal.Props.Set(refresh)

	stamp := ical.NewProp(ical.PropDateTimeStamp)
	stamp.SetDateTime(g.clock.Now().UTC())

	for _, entry := range fav.Schedule.Entries() {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, eventUID(fav.Key(), entry))
		event.Props.Set(stamp)
		event.Props.SetText(ical.PropSummary, l.CalendarSummary(entry.CollectionType))
		event.Props.SetText(ical.PropLocation, fav.Address)
		event.Props.SetText(ical.PropCategories, string(entry.CollectionType))

		start := ical.NewProp(ical.PropDateTimeStart)
		start.SetDate(entry.Date.StartOf(time.UTC))
		event.Props.Set(start)

		end := ical.NewProp(ical.PropDateTimeEnd)
		end.SetDate(entry.Date.AddDays(1).StartOf(time.UTC))
		event.Props.Set(end)

		event.Children = append(event.Children, alarm(l.CalendarAlarm(entry.CollectionType, fav.Address)))
		cal.Children = append(cal.Children, event.Component)
	}

	var buf bytes.Buffer
	if len(cal.Children) == 0 {
		// エンコーダーはコンポーネントのないカレンダーを受け付けない
		fmt.Fprintf(&buf, "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:%s\r\nEND:VCALENDAR\r\n", prodID)
		return buf.Bytes(), nil
	}
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("iCalendarのエンコードに失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}

func alarm(description string) *ical.Component {
	a := ical.NewComponent(ical.CompAlarm)
	a.Props.SetText(ical.PropAction, "DISPLAY")
	a.Props.SetText(ical.PropDescription, description)

	// SetTextではVALUE=TEXTが付くため値を直接設定する
	trigger := ical.NewProp(ical.PropTrigger)
	trigger.Value = AlarmTrigger
	a.Props.Set(trigger)
	return a
}

func eventUID(key string, entry model.ScheduleEntry) string {
	id := uuid.NewSHA1(uidNamespace, []byte(key+"|"+string(entry.CollectionType)+"|"+entry.Date.String()))
	return id.String() + "@" + uidDomain
}
