// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DescriptionSanitizer は課題の説明文（CanvasのリッチテキストHTML）をサニタイズし、
// カレンダーイベントの説明として安全に表示できる形にする。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// Google Calendarが表示できる範囲のタグと属性のみを通過させる。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// 説明文の形式名。
const (
	// DescriptionFormatRaw は説明文を変換せずに送る。
	DescriptionFormatRaw = "raw"
	// DescriptionFormatHTML はサニタイズ済みHTMLで送る。
	DescriptionFormatHTML = "html"
	// DescriptionFormatText はタグを取り除いたプレーンテキストで送る。
	DescriptionFormatText = "text"
)

// DescriptionSanitizer は説明文HTMLのサニタイズ機能のインターフェースを定義する。
type DescriptionSanitizer interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em, b, i, u）のみを通過させ、
	// script, iframe, style, imgタグおよびon*イベント属性を除去する。
	// aタグのhrefはhttp, https, mailtoの絶対URLのみ許可する。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// descriptionSanitizer はDescriptionSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type descriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerの新しいインスタンスを生成する。
func NewDescriptionSanitizer() *descriptionSanitizer {
	p := bluemonday.NewPolicy()

	// カレンダーの説明欄で表示できるタグのみ許可する。
	// script, iframe, style, img等は許可リストに含めないことで除去される。
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i", "u",
	)

	// Canvasの相対リンクはカレンダー上で解決できないため落とす
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &descriptionSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
func (s *descriptionSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// DescriptionFormatter は設定された形式に応じた説明文の整形関数を返す。
// "html"と"text"以外ではnilを返し、説明文は1バイトも変えずに送られる。
func DescriptionFormatter(format string) func(string) string {
	switch format {
	case DescriptionFormatHTML:
		return NewDescriptionSanitizer().Sanitize
	case DescriptionFormatText:
		return PlainText
	default:
		return nil
	}
}

// blockElements は前後で改行を入れる要素。
var blockElements = map[string]bool{
	"p": true, "div": true, "blockquote": true, "pre": true,
	"ul": true, "ol": true, "table": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// lineBreaks はpre以外のテキスト中の改行を空白として扱うための置換。
var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// PlainText はHTMLからテキストのみを取り出す。
// ブロック要素とbrは改行に、liは"- "で始まる行に置き換え、
// script, styleの中身は捨てる。文字参照は展開する。
func PlainText(rawHTML string) string {
	z := html.NewTokenizer(strings.NewReader(rawHTML))

	var b strings.Builder
	skip, pre := 0, 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return normalizeLines(b.String())

		case html.TextToken:
			if skip > 0 {
				continue
			}
			if pre > 0 {
				b.Write(z.Text())
			} else {
				b.WriteString(lineBreaks.Replace(string(z.Text())))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style":
				if tt == html.StartTagToken {
					skip++
				}
			case tag == "br":
				b.WriteByte('\n')
			case tag == "pre":
				if tt == html.StartTagToken {
					pre++
				}
				b.WriteByte('\n')
			case tag == "li":
				b.WriteString("\n- ")
			case blockElements[tag]:
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style":
				if skip > 0 {
					skip--
				}
			case tag == "pre":
				if pre > 0 {
					pre--
				}
				b.WriteByte('\n')
			case blockElements[tag]:
				b.WriteByte('\n')
			}
		}
	}
}

// normalizeLines は行内の連続する空白を1つにまとめ、空行の連続を1行に抑える。
// preの中の字下げも詰める。
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		// "- "だけの行は中身が空のli
		if line == "-" {
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
