package zonefinder

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/binday/internal/address"
	"github.com/hitoshi/binday/internal/model"
)

type zoneRow struct {
	text  string
	links []string
}

// FindCalendarLink はゾーン検索結果のHTMLから住所に対応するカレンダーリンクを返す。
// 住所キーを含む最後の行のリンクを優先し、一致する行がない場合は
// ページ内のカレンダーリンクが1つだけであればそれを使用する。
// 属性値のHTMLエンティティは復号済みで返す。
func FindCalendarLink(page []byte, addr string) (string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("ゾーン検索結果の解析に失敗しました: %w: %v", model.ErrParseFailure, err)
	}

	rows := collectRows(doc)
	key := address.Key(addr)

	for i := len(rows) - 1; i >= 0; i-- {
		if !strings.Contains(address.Key(rows[i].text), key) {
			continue
		}
		if link := firstCalendarLink(rows[i].links); link != "" {
			return link, nil
		}
	}

	var all []string
	for _, r := range rows {
		for _, l := range r.links {
			if strings.Contains(l, calendarLinkToken) {
				all = append(all, l)
			}
		}
	}
	if len(all) == 1 {
		return all[0], nil
	}
	return "", fmt.Errorf("住所に対応するカレンダーリンクが見つかりません: %q: %w", addr, model.ErrParseFailure)
}

func firstCalendarLink(links []string) string {
	for _, l := range links {
		if strings.Contains(l, calendarLinkToken) {
			return l
		}
	}
	return ""
}

// collectRows は文書中のtr要素ごとにテキストとリンクを集める。
// 入れ子の表は外側の行にも含まれる。
func collectRows(doc *html.Node) []zoneRow {
	var rows []zoneRow
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var text strings.Builder
			var links []string
			collectRow(n, &text, &links)
			rows = append(rows, zoneRow{text: text.String(), links: links})
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return rows
}

func collectRow(n *html.Node, text *strings.Builder, links *[]string) {
	switch n.Type {
	case html.TextNode:
		text.WriteString(n.Data)
		text.WriteByte(' ')
	case html.ElementNode:
		if n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					*links = append(*links, attr.Val)
				}
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectRow(child, text, links)
	}
}
