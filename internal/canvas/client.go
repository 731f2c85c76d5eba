// Package canvas はCanvas LMSのREST APIから課題を取得する。
// コース一覧を取得したあと、コースごとの課題一覧を並列に取得してコース順に連結する。
package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/duesync/internal/model"
)

const (
	// defaultPageSize はper_pageの既定値。Canvasの上限も100。
	defaultPageSize = 100
	// defaultConcurrency はコースごとの課題取得の既定並列数。
	defaultConcurrency = 4
	// defaultMaxBodySize は1レスポンスあたりの読み取り上限（5MiB）。
	defaultMaxBodySize = 5 << 20
	// maxPages は1つの一覧で辿るページ数の上限。
	maxPages = 200

	userAgent = "Duesync/1.0"
)

// ErrResponseTooLarge はレスポンスが読み取り上限を超えたことを表す。
var ErrResponseTooLarge = errors.New("response body too large")

// StatusError はCanvasが2xx以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("canvas returned status %d for %s", e.StatusCode, e.URL)
}

// Config はCanvasクライアントの設定。
type Config struct {
	BaseURL string
	// PageSize は一覧取得のper_page。1..100の範囲外は100とする。
	PageSize int
	// Concurrency はコースごとの課題取得の並列数。1の場合は順次取得。
	Concurrency int
	// Partial がtrueの場合、失敗したコースを読み飛ばしてCourseErrorとして返す。
	Partial bool
	// MaxBodySize は1レスポンスあたりの読み取り上限。
	MaxBodySize int64
}

// Client はCanvas REST APIのクライアント。
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string // テスト用に差し替え可能
	pageSize    int
	concurrency int
	partial     bool
	maxBodySize int64
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:    cfg.PageSize,
		concurrency: cfg.Concurrency,
		partial:     cfg.Partial,
		maxBodySize: cfg.MaxBodySize,
	}
}

// FetchAllAssignments は利用者が受講している全コースの課題を取得する。
// 返す課題はコース一覧の順、同一コース内はCanvasの返した順に並ぶ。
//
// コース一覧の取得に失敗した場合はStageがcoursesの*model.FetchErrorを返し、課題の取得は行わない。
// 課題一覧の取得に失敗した場合、通常はStageがassignmentsの*model.FetchErrorを返す。
// 部分取得モードでは失敗したコースを読み飛ばし、2つ目の戻り値で返す。
func (c *Client) FetchAllAssignments(ctx context.Context, token *model.OAuthToken) ([]model.Assignment, []*model.CourseError, error) {
	if token == nil || token.AccessToken == "" {
		return nil, nil, &model.FetchError{Stage: model.FetchStageCourses, Cause: errors.New("no access token")}
	}

	start := time.Now()

	courses, err := c.ListCourses(ctx, token)
	if err != nil {
		c.logger.Error("コース一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, nil, &model.FetchError{Stage: model.FetchStageCourses, Cause: err}
	}

	assignments, courseErrs, err := c.fetchCourses(ctx, token, courses)
	if err != nil {
		c.logger.Error("課題一覧の取得に失敗しました",
			slog.Int("course_count", len(courses)),
			slog.String("error", err.Error()),
		)
		return nil, nil, &model.FetchError{Stage: model.FetchStageAssignments, Cause: err}
	}

	c.logger.Info("課題の取得が完了しました",
		slog.Int("course_count", len(courses)),
		slog.Int("assignment_count", len(assignments)),
		slog.Int("skipped_courses", len(courseErrs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return assignments, courseErrs, nil
}

// ListCourses はコース一覧を全ページ取得する。
func (c *Client) ListCourses(ctx context.Context, token *model.OAuthToken) ([]model.Course, error) {
	return listAll[model.Course](ctx, c, token, "/api/v1/courses")
}

// ListAssignments は1コースの課題一覧を全ページ取得する。
func (c *Client) ListAssignments(ctx context.Context, token *model.OAuthToken, courseID model.ID) ([]model.Assignment, error) {
	path := "/api/v1/courses/" + url.PathEscape(string(courseID)) + "/assignments"
	items, err := listAll[model.Assignment](ctx, c, token, path)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].CourseID == "" {
			items[i].CourseID = courseID
		}
	}
	return items, nil
}

// fetchCourses はsemaphoreパターンで並列数を制御しながらコースごとの課題を取得し、
// コース順に連結する。部分取得モードでない場合、最初の失敗で残りの取得を取り消す。
func (c *Client) fetchCourses(parent context.Context, token *model.OAuthToken, courses []model.Course) ([]model.Assignment, []*model.CourseError, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	results := make([][]model.Assignment, len(courses))
	errs := make([]error, len(courses))

	var (
		firstErr  error
		firstOnce sync.Once
		wg        sync.WaitGroup
	)
	sem := make(chan struct{}, c.concurrency)

	for i, course := range courses {
		sem <- struct{}{} // semaphore取得（ブロック）
		if ctx.Err() != nil {
			<-sem
			break
		}

		wg.Add(1)
		go func(i int, course model.Course) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			items, err := c.ListAssignments(ctx, token, course.ID)
			if err != nil {
				errs[i] = err
				if !c.partial {
					firstOnce.Do(func() {
						firstErr = fmt.Errorf("course %s: %w", course.ID, err)
						cancel()
					})
				}
				return
			}
			results[i] = items
		}(i, course)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, nil, err
	}

	var (
		assignments []model.Assignment
		courseErrs  []*model.CourseError
	)
	for i, course := range courses {
		if errs[i] != nil {
			c.logger.Warn("コースの課題取得に失敗したため読み飛ばします",
				slog.String("course_id", string(course.ID)),
				slog.String("error", errs[i].Error()),
			)
			courseErrs = append(courseErrs, &model.CourseError{CourseID: course.ID, Cause: errs[i]})
			continue
		}
		assignments = append(assignments, results[i]...)
	}
	if assignments == nil {
		assignments = []model.Assignment{}
	}
	return assignments, courseErrs, nil
}

// listAll はper_pageを付けて一覧を取得し、Linkヘッダーのrel="next"を辿って全ページを連結する。
func listAll[T any](ctx context.Context, c *Client, token *model.OAuthToken, path string) ([]T, error) {
	first, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	q := first.Query()
	q.Set("per_page", strconv.Itoa(c.pageSize))
	first.RawQuery = q.Encode()

	out := []T{}
	next := first
	for page := 0; next != nil; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("pagination exceeded %d pages for %s", maxPages, path)
		}

		var items []T
		link, err := c.getJSON(ctx, token, next, &items)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)

		next, err = resolveNext(next, link)
		if err != nil {
			return nil, err
		}
		if next != nil && next.Host != first.Host {
			return nil, fmt.Errorf("refusing to follow pagination link to another host: %s", next.Host)
		}
	}
	return out, nil
}

// getJSON はBearer認証でGETし、レスポンスをoutにデコードしてLinkヘッダーを返す。
func (c *Client) getJSON(ctx context.Context, token *model.OAuthToken, u *url.URL, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, URL: u.Path}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.maxBodySize {
		return "", ErrResponseTooLarge
	}

	if err := json.Unmarshal(body, out); err != nil {
		return "", fmt.Errorf("failed to decode response from %s: %w", u.Path, err)
	}
	return resp.Header.Get("Link"), nil
}

// resolveNext はLinkヘッダーからrel="next"のURLを取り出し、現在のURLを基準に解決する。
// 次ページがなければnilを返す。
func resolveNext(current *url.URL, header string) (*url.URL, error) {
	target := nextLink(header)
	if target == "" {
		return nil, nil
	}
	next, err := current.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid pagination link %q: %w", target, err)
	}
	return next, nil
}

// nextLink はRFC 5988形式のLinkヘッダーからrel="next"の参照先を返す。
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if len(target) < 2 || target[0] != '<' || target[len(target)-1] != '>' {
			continue
		}
		for _, param := range segs[1:] {
			key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(val), `"`)) {
				if strings.EqualFold(rel, "next") {
					return target[1 : len(target)-1]
				}
			}
		}
	}
	return ""
}
