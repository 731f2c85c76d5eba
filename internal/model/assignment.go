package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID はプロバイダー側の識別子を表す。
// JSONの文字列と数値のどちらも受け付け、数値として解釈はしない。
type ID string

// UnmarshalJSON は文字列・数値どちらの表現もそのまま保持する。
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Course は学習プラットフォームのコースを表す。識別子のみを利用する。
type Course struct {
	ID   ID     `json:"id"`
	Name string `json:"name,omitempty"`
}

// Assignment は学習プラットフォームの課題を表す。
// 同期ごとに取得し直すため、同期をまたいだ同一性は追跡しない。
type Assignment struct {
	ID          ID      `json:"id"`
	CourseID    ID      `json:"course_id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	DueAt       *string `json:"due_at"`
	HTMLURL     string  `json:"html_url"`
}

// CalendarEvent は課題から導出するカレンダーイベント。ローカルには保存しない。
// 期限を示す目印として、StartとEndには同じ時刻を入れる。
type CalendarEvent struct {
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
}

// EventTime はイベントの日時とタイムゾーン名。
type EventTime struct {
	DateTime string
	TimeZone string
}
