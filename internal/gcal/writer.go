// Package gcal は課題をGoogle Calendarのイベントとして登録する。
package gcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hitoshi/duesync/internal/auth"
	"github.com/hitoshi/duesync/internal/model"
)

const (
	// primaryCalendarID は利用者のメインカレンダーを指す。
	primaryCalendarID = "primary"
	// DefaultTimeZone はイベントに付けるタイムゾーンの既定値。
	DefaultTimeZone = "America/New_York"
)

// Config はカレンダーライターの設定。
type Config struct {
	TimeZone string
	// Endpoint はCalendar APIのベースURL。空の場合はライブラリの既定値を使う。
	Endpoint string
}

// Writer は1件の課題を1件のイベントとして登録する。
type Writer struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeZone   string
	endpoint   string
	format     func(string) string
}

// NewWriter はWriterを生成する。formatは説明文の整形関数で、nilの場合はそのまま使う。
func NewWriter(httpClient *http.Client, cfg Config, format func(string) string, logger *slog.Logger) *Writer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = DefaultTimeZone
	}
	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &Writer{
		httpClient: httpClient,
		logger:     logger,
		timeZone:   cfg.TimeZone,
		endpoint:   endpoint,
		format:     format,
	}
}

// ToCalendarEvent は課題からカレンダーイベントを組み立てる。
// 開始と終了はどちらもdue_atをそのまま使い、長さ0のイベントにする。
// 説明がない課題は空文字列とする。期限のない課題はmodel.ErrNoDueDateを返す。
func ToCalendarEvent(a model.Assignment, timeZone string, format func(string) string) (model.CalendarEvent, error) {
	if a.DueAt == nil || *a.DueAt == "" {
		return model.CalendarEvent{}, model.ErrNoDueDate
	}

	desc := ""
	if a.Description != nil {
		desc = *a.Description
		if format != nil {
			desc = format(desc)
		}
	}

	at := model.EventTime{DateTime: *a.DueAt, TimeZone: timeZone}
	return model.CalendarEvent{
		Summary:     a.Name,
		Description: desc,
		Start:       at,
		End:         at,
	}, nil
}

// PublishEvent は課題をメインカレンダーにイベントとして登録する。
// 失敗はすべて*model.WriteErrorとして返す。期限のない課題は通信せずに返す。
// 複数件を登録する場合はOpenで得た関数を使い回す。
func (w *Writer) PublishEvent(ctx context.Context, token *model.OAuthToken, a model.Assignment) error {
	publish, err := w.Open(ctx, token)
	if err != nil {
		return &model.WriteError{Assignment: a.Name, Cause: err}
	}
	return publish(ctx, a)
}

// Open はトークンに対するCalendar APIクライアントを1回だけ組み立て、
// 課題を1件ずつ登録する関数を返す。返した関数はそのトークンの同期1回分の間使い回す。
func (w *Writer) Open(ctx context.Context, token *model.OAuthToken) (func(context.Context, model.Assignment) error, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("no calendar access token")
	}

	svc, err := w.service(ctx, token)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, a model.Assignment) error {
		ev, err := ToCalendarEvent(a, w.timeZone, w.format)
		if err != nil {
			return &model.WriteError{Assignment: a.Name, Cause: err}
		}

		created, err := svc.Events.Insert(primaryCalendarID, toAPIEvent(ev)).Context(ctx).Do()
		if err != nil {
			return &model.WriteError{Assignment: a.Name, Cause: err}
		}

		w.logger.Debug("calendar event created",
			slog.String("assignment_id", string(a.ID)),
			slog.String("event_id", created.Id),
		)
		return nil
	}, nil
}

// service はトークンをBearerとして付与するCalendar APIサービスを生成する。
// ctxはoauth2のHTTPクライアント受け渡しにのみ使い、リクエストごとのctxはCallに渡す。
func (w *Writer) service(ctx context.Context, token *model.OAuthToken) (*calendar.Service, error) {
	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, w.httpClient),
		auth.BearerTokenSource(token),
	)
	client.Timeout = w.httpClient.Timeout

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if w.endpoint != "" {
		opts = append(opts, option.WithEndpoint(w.endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// toAPIEvent はAPIのイベント型へ変換する。説明が空でも省略せずに送る。
func toAPIEvent(ev model.CalendarEvent) *calendar.Event {
	return &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start: &calendar.EventDateTime{
			DateTime: ev.Start.DateTime,
			TimeZone: ev.Start.TimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: ev.End.DateTime,
			TimeZone: ev.End.TimeZone,
		},
		ForceSendFields: []string{"Description"},
	}
}
