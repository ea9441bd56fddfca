package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/hitoshi/binday/internal/middleware"
	"github.com/hitoshi/binday/internal/model"
)

// proxyPrefix は自治体サイトへ中継するパスの接頭辞。転送時に取り除く。
const proxyPrefix = "/api"

// NewZoneFinderProxy は/api/ZoneFinder/*を自治体サイトへ中継するリバースプロキシを返す。
// 端末IDやCookieは転送しない。上流に到達できない場合は502 LOOKUP_UNAVAILABLEを返す。
// transportがnilの場合はhttp.DefaultTransportを使う。
func NewZoneFinderProxy(baseURL string, transport http.RoundTripper, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(baseURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("中継先URLが不正です: %q", baseURL)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.Out.URL.Path, proxyPrefix)
			pr.Out.URL.RawPath = strings.TrimPrefix(pr.Out.URL.RawPath, proxyPrefix)
			pr.SetURL(target)
			pr.Out.Header.Del(middleware.DeviceIDHeader)
			pr.Out.Header.Del("Cookie")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("自治体サイトへの中継に失敗しました",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			middleware.WriteAPIError(w, model.NewLookupUnavailableError())
		},
	}, nil
}

// RedirectToProxy は/ZoneFinder/*への直接アクセスを/api/ZoneFinder/*へ転送する。
// フォーム送信のメソッドを保つため307を使う。
func RedirectToProxy(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, proxyPrefix+r.URL.RequestURI(), http.StatusTemporaryRedirect)
}
