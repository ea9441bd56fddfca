// Package locale は通知文やカレンダー表示に使う文言の翻訳を提供する。
// 翻訳ファイルはlocales/active.<言語>.jsonとして埋め込まれる。
package locale

import (
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hitoshi/binday/internal/model"
)

//go:embed locales/*.json
var localeFS embed.FS

// DefaultLanguage は翻訳が見つからない場合の言語。
const DefaultLanguage = "en"

// Catalog は埋め込み済みの翻訳バンドル。
type Catalog struct {
	bundle      *i18n.Bundle
	defaultLang string
	languages   []string
}

// NewCatalog は埋め込みの翻訳ファイルを読み込む。
// defaultLangに対応する翻訳ファイルが存在しない場合はエラーを返す。
func NewCatalog(defaultLang string) (*Catalog, error) {
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	tag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, fmt.Errorf("既定言語の指定が不正です: %q: %w", defaultLang, err)
	}

	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("翻訳ファイルの一覧取得に失敗しました: %w", err)
	}

	var languages []string
	for _, entry := range entries {
		name := entry.Name()
		code, ok := strings.CutPrefix(strings.TrimSuffix(name, ".json"), "active.")
		if !ok || code == "" {
			continue
		}
		if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+name); err != nil {
			return nil, fmt.Errorf("翻訳ファイルの読み込みに失敗しました: %s: %w", name, err)
		}
		languages = append(languages, code)
	}

	if !slices.Contains(languages, defaultLang) {
		return nil, fmt.Errorf("既定言語の翻訳ファイルがありません: %q", defaultLang)
	}
	return &Catalog{bundle: bundle, defaultLang: defaultLang, languages: languages}, nil
}

// Languages は利用可能な言語コードを返す。
func (c *Catalog) Languages() []string {
	return slices.Clone(c.languages)
}

// Resolve はAccept-Language形式の指定から利用可能な言語コードを選ぶ。
// 一致しない場合は既定言語を返す。
func (c *Catalog) Resolve(accept string) string {
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return c.defaultLang
	}
	for _, t := range tags {
		base, _ := t.Base()
		if slices.Contains(c.languages, base.String()) {
			return base.String()
		}
	}
	return c.defaultLang
}

// Localizer は指定言語の文言を返す。
type Localizer struct {
	localizer *i18n.Localizer
	caser     cases.Caser
}

// For は言語コードに対応するLocalizerを返す。空の場合は既定言語。
func (c *Catalog) For(lang string) *Localizer {
	if lang == "" {
		lang = c.defaultLang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.Make(c.defaultLang)
	}
	return &Localizer{
		localizer: i18n.NewLocalizer(c.bundle, lang, c.defaultLang),
		caser:     cases.Lower(tag),
	}
}

func (l *Localizer) localize(id string, data map[string]string) string {
	msg, err := l.localizer.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		return id
	}
	return msg
}

// CollectionName は収集種別の表示名を返す。
func (l *Localizer) CollectionName(ct model.CollectionType) string {
	return l.localize("collection."+string(ct), nil)
}

func (l *Localizer) data(ct model.CollectionType, addr string) map[string]string {
	name := l.CollectionName(ct)
	return map[string]string{
		"Type":      name,
		"TypeLower": l.caser.String(name),
		"Address":   addr,
	}
}

// Reminder は「明日収集」通知のタイトルと本文を返す。
func (l *Localizer) Reminder(ct model.CollectionType, addr string) (title, body string) {
	d := l.data(ct, addr)
	return l.localize("reminder.title", d), l.localize("reminder.body", d)
}

// CalendarName はカレンダーの名前を返す。
func (l *Localizer) CalendarName(addr string) string {
	return l.localize("calendar.name", map[string]string{"Address": addr})
}

// CalendarSummary はカレンダーイベントの件名を返す。
func (l *Localizer) CalendarSummary(ct model.CollectionType) string {
	return l.localize("calendar.summary", l.data(ct, ""))
}

// CalendarAlarm はカレンダーのアラーム文言を返す。
func (l *Localizer) CalendarAlarm(ct model.CollectionType, addr string) string {
	return l.localize("calendar.alarm", l.data(ct, addr))
}
