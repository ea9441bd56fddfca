// Package address は住所文字列の正規化を提供する。
// お気に入りの同一性判定と、ゾーン検索結果の行照合に同じキーを使用する。
package address

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var upper = cases.Upper(language.Und)

// Clean は表示用の住所を返す。
// NFKC正規化を行い、前後の空白を除去して連続する空白を1つにまとめる。
func Clean(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// Key は住所の同一性判定キーを返す。
// Cleanの結果を大文字化したもので、大小文字や全角半角の違いを吸収する。
func Key(s string) string {
	return upper.String(Clean(s))
}

// Equal は2つの住所が同じキーを持つかどうかを返す。
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}
