// Package zonefinder はロンドン市（オンタリオ州）のZoneFinderから
// 住所候補と収集スケジュールを取得するクライアントを提供する。
//
// 収集スケジュールの取得は4段階で行う:
//  1. 住所文字列からジオコード結果（番地・通り名・通り種別・ユニット番号）を取得する
//  2. ゾーン検索フォームを送信し、結果のHTML表を受け取る
//  3. 表から住所に一致する行のカレンダーリンクを取り出す
//  4. カレンダーページに埋め込まれたモデルJSONを抽出し、スケジュールに変換する
package zonefinder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/model"
	"github.com/hitoshi/binday/internal/schedule"
	"github.com/hitoshi/binday/internal/security"
)

const (
	// DefaultBaseURL はZoneFinderのホスト。
	DefaultBaseURL = "https://apps.london.ca"

	pathGetAddress    = "/ZoneFinder/Map/GetAddress"
	pathGetSearch     = "/ZoneFinder/Map/GetSearch"
	pathSearchZone    = "/ZoneFinder/ZoneLocator/SearchZoneLocator"
	calendarLinkToken = "ProcessCalendarRequest"

	// maxResponseSize はレスポンスボディの最大サイズ（5MB）。
	maxResponseSize = 5 * 1024 * 1024
	userAgent       = "binday/1.0 (+collection reminders)"
)

// modelPattern はカレンダーページに埋め込まれたモデルJSONを取り出す。
var modelPattern = regexp.MustCompile(`var model = ([\s\S]*?);\s+var eventData`)

// Lookup は住所検索と収集スケジュール解決のインターフェース。
type Lookup interface {
	Search(ctx context.Context, query string) ([]model.Candidate, error)
	ResolveSchedule(ctx context.Context, addr string) (model.Schedule, error)
}

// RefreshingLookup はキャッシュを無視して収集スケジュールを取り直せるLookup。
type RefreshingLookup interface {
	Lookup
	RefreshSchedule(ctx context.Context, addr string) (model.Schedule, error)
}

// MetricsRecorder は上流呼び出しとキャッシュのメトリクスを記録する。
type MetricsRecorder interface {
	RecordUpstreamRequest(step, outcome string, duration time.Duration)
	RecordCacheLookup(kind string, hit bool)
}

// Client はZoneFinderのHTTPクライアント。
// すべての上流リクエストはレートリミッターを通過する。
type Client struct {
	httpClient *http.Client
	baseURL    string // テスト用に差し替え可能
	limiter    *rate.Limiter
	sanitizer  security.TextSanitizer
	clock      clock.Clock
	loc        *time.Location
	logger     *slog.Logger
	metrics    MetricsRecorder
}

// NewClient はClientを生成する。
// ratePerSecが0以下の場合はレート制限を行わない。clkとmetricsはnilでもよい。
func NewClient(httpClient *http.Client, baseURL string, ratePerSec float64, clk clock.Clock, loc *time.Location, logger *slog.Logger, metrics MetricsRecorder) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if loc == nil {
		loc = time.Local
	}
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = max(int(ratePerSec), 1)
	}
	if clk == nil {
		clk = clock.Real{Location: loc}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, burst),
		sanitizer:  security.NewTextSanitizer(),
		clock:      clk,
		loc:        loc,
		logger:     logger,
		metrics:    metrics,
	}
}

// Search は入力文字列に一致する住所候補を返す。
// 表示名からマークアップを除去し、空になった候補は除外する。
func (c *Client) Search(ctx context.Context, query string) ([]model.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.Candidate{}, nil
	}

	body, err := c.get(ctx, "search", pathGetAddress+"?query="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	var raw []struct {
		DisplayName string `json:"DisplayName"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("住所候補の解析に失敗しました: %w: %v", model.ErrParseFailure, err)
	}

	candidates := make([]model.Candidate, 0, len(raw))
	for _, r := range raw {
		name := c.sanitizer.Sanitize(r.DisplayName)
		if name == "" {
			continue
		}
		candidates = append(candidates, model.Candidate{DisplayName: name})
	}
	return candidates, nil
}

// ResolveSchedule は住所の収集スケジュールを取得する。
// 上流に到達できない場合はmodel.ErrLookupUnavailable、
// 応答からスケジュールを取り出せない場合はmodel.ErrParseFailureでラップしたエラーを返す。
func (c *Client) ResolveSchedule(ctx context.Context, addr string) (model.Schedule, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("住所が空です: %w", model.ErrParseFailure)
	}

	geo, err := c.geocode(ctx, addr)
	if err != nil {
		return nil, err
	}

	page, err := c.postForm(ctx, "zone", pathSearchZone, geo.form())
	if err != nil {
		return nil, err
	}

	link, err := FindCalendarLink(page, addr)
	if err != nil {
		return nil, err
	}
	calendarURL, err := c.resolveLink(link)
	if err != nil {
		return nil, err
	}

	calendar, err := c.get(ctx, "calendar", calendarURL)
	if err != nil {
		return nil, err
	}

	data, err := ExtractModel(calendar)
	if err != nil {
		return nil, err
	}

	sched, err := schedule.ExtractJSON(data, c.clock.Now(), c.loc)
	if err != nil {
		return nil, err
	}

	c.logger.Info("収集スケジュールを取得しました",
		slog.String("address", addr),
		slog.Int("date_count", sched.Len()),
	)
	return sched, nil
}

// RefreshSchedule はResolveScheduleと同じ。Clientはキャッシュを持たない。
func (c *Client) RefreshSchedule(ctx context.Context, addr string) (model.Schedule, error) {
	return c.ResolveSchedule(ctx, addr)
}

// geocode はGetSearchの結果から最初の住所の属性を取り出す。
// 応答はGeoJSONを文字列としてエンコードしたJSONである。
func (c *Client) geocode(ctx context.Context, addr string) (geoProperties, error) {
	body, err := c.get(ctx, "geocode", pathGetSearch+"?searchString="+url.QueryEscape(addr))
	if err != nil {
		return geoProperties{}, err
	}

	payload := bytes.TrimSpace(body)
	if len(payload) > 0 && payload[0] == '"' {
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			return geoProperties{}, fmt.Errorf("ジオコード結果の解析に失敗しました: %w: %v", model.ErrParseFailure, err)
		}
		payload = []byte(inner)
	}

	var fc struct {
		Features []struct {
			Properties geoProperties `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(payload, &fc); err != nil {
		return geoProperties{}, fmt.Errorf("ジオコード結果の解析に失敗しました: %w: %v", model.ErrParseFailure, err)
	}
	if len(fc.Features) == 0 {
		return geoProperties{}, fmt.Errorf("住所が見つかりませんでした: %q: %w", addr, model.ErrParseFailure)
	}
	return fc.Features[0].Properties, nil
}

// resolveLink はカレンダーリンクをZoneFinderのホスト上の絶対URLにする。
// 別ホストを指すリンクは拒否する。
func (c *Client) resolveLink(link string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("ベースURLのパースに失敗しました: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("カレンダーリンクが不正です: %w: %v", model.ErrParseFailure, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Host != base.Host {
		return "", fmt.Errorf("カレンダーリンクが別ホストを指しています: %s: %w", resolved.Host, model.ErrParseFailure)
	}
	return resolved.String(), nil
}

// ExtractModel はカレンダーページからモデルJSONを取り出す。
func ExtractModel(page []byte) ([]byte, error) {
	m := modelPattern.FindSubmatch(page)
	if m == nil {
		return nil, fmt.Errorf("カレンダーページにモデルが見つかりません: %w", model.ErrParseFailure)
	}
	return bytes.TrimSpace(m[1]), nil
}

func (c *Client) get(ctx context.Context, step, target string) ([]byte, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	return c.do(req, step)
}

func (c *Client) postForm(ctx context.Context, step, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, step)
}

// do はレート制限を待ってからリクエストを送信し、2xxのボディを返す。
func (c *Client) do(req *http.Request, step string) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%w: レート制限の待機が中断されました: %v", model.ErrLookupUnavailable, err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(step, "error", time.Since(start))
		c.logger.Error("ZoneFinderの呼び出しに失敗しました",
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s: %v", model.ErrLookupUnavailable, step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.RecordUpstreamRequest(step, "status_"+strconv.Itoa(resp.StatusCode), time.Since(start))
		c.logger.Error("ZoneFinderがエラーステータスを返しました",
			slog.String("step", step),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: %s: ステータス %d", model.ErrLookupUnavailable, step, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.metrics.RecordUpstreamRequest(step, "error", time.Since(start))
		return nil, fmt.Errorf("%w: %s: レスポンスボディの読み取りに失敗しました: %v", model.ErrLookupUnavailable, step, err)
	}
	c.metrics.RecordUpstreamRequest(step, "ok", time.Since(start))
	return body, nil
}

type nopMetrics struct{}

func (nopMetrics) RecordUpstreamRequest(string, string, time.Duration) {}
func (nopMetrics) RecordCacheLookup(string, bool) {}

var _ RefreshingLookup = (*Client)(nil)
