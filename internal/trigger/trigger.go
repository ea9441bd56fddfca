// Package trigger は1日1回の通知判定を起動するスケジューラを提供する。
//
// 2つの方式をサポートする:
//   - device: 指定時刻（既定18時）に発火する。起動が発火時刻を過ぎていても
//     猶予時間内であれば即座に1回発火し、以降は翌日の同時刻に発火する。
//   - server: 一定間隔（既定1時間）でポーリングし、指定時刻（既定22時）以降の
//     最初のポーリングで1日1回だけ発火する。
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hitoshi/binday/internal/clock"
	"github.com/hitoshi/binday/internal/model"
)

// Mode はスケジューラの方式。
type Mode string

const (
	// ModeDevice は指定時刻に発火する方式。
	ModeDevice Mode = "device"
	// ModeServer は定期ポーリングで発火する方式。
	ModeServer Mode = "server"
)

// 方式ごとの既定値。
const (
	DefaultDeviceHour   = 18
	DefaultServerHour   = 22
	DefaultGrace        = 4 * time.Hour
	DefaultPollInterval = time.Hour
)

// ParseMode は文字列からModeを返す。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDevice, ModeServer:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("不明なリマインダー方式です: %q（device または server を指定してください）", s)
	}
}

// Config はスケジューラの設定。
type Config struct {
	Mode         Mode
	Hour         int
	Grace        time.Duration
	PollInterval time.Duration
	Location     *time.Location
}

// FireFunc は発火時に呼び出される処理。
type FireFunc func(ctx context.Context, now time.Time) error

// DailyTrigger は1日1回FireFuncを呼び出す。
// 発火処理が戻ってから次の待機を開始するため、発火が重なることはない。
// 発火処理のエラーやpanicはログに記録し、ループは継続する。
type DailyTrigger struct {
	cfg    Config
	fire   FireFunc
	clock  clock.Clock
	logger *slog.Logger

	after func(d time.Duration) <-chan time.Time
}

// New はDailyTriggerを生成する。範囲外の時刻や未指定の値は方式ごとの既定値で補う。
func New(cfg Config, fire FireFunc, clk clock.Clock, logger *slog.Logger) *DailyTrigger {
	if cfg.Mode == "" {
		cfg.Mode = ModeDevice
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		if cfg.Mode == ModeServer {
			cfg.Hour = DefaultServerHour
		} else {
			cfg.Hour = DefaultDeviceHour
		}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &DailyTrigger{
		cfg:    cfg,
		fire:   fire,
		clock:  clk,
		logger: logger,
		after:  time.After,
	}
}

// Start はコンテキストがキャンセルされるまでスケジューラを実行する。
func (t *DailyTrigger) Start(ctx context.Context) {
	t.logger.Info("リマインダースケジューラを開始しました",
		slog.String("mode", string(t.cfg.Mode)),
		slog.Int("hour", t.cfg.Hour),
		slog.String("location", t.cfg.Location.String()),
	)

	if t.cfg.Mode == ModeServer {
		t.runPolling(ctx)
	} else {
		t.runDevice(ctx)
	}

	t.logger.Info("リマインダースケジューラを停止しました")
}

func (t *DailyTrigger) now() time.Time {
	return t.clock.Now().In(t.cfg.Location)
}

func (t *DailyTrigger) runDevice(ctx context.Context) {
	now := t.now()
	fireNow, next := NextFire(now, t.cfg.Hour, t.cfg.Grace)
	if fireNow {
		t.logger.Info("発火時刻を過ぎていますが猶予時間内のため即座に実行します",
			slog.Time("now", now),
		)
		t.safeFire(ctx, now)
	}

	for {
		wait := max(next.Sub(t.clock.Now()), 0)
		t.logger.Debug("次回の発火を待機します",
			slog.Time("next", next),
			slog.Duration("wait", wait),
		)

		select {
		case <-ctx.Done():
			return
		case <-t.after(wait):
		}

		now := t.now()
		if now.Before(next) {
			continue
		}
		t.safeFire(ctx, now)
		for !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	}
}

func (t *DailyTrigger) runPolling(ctx context.Context) {
	var lastFired model.CalendarDate
	poll := func() {
		now := t.now()
		if !ShouldFire(now, lastFired, t.cfg.Hour) {
			return
		}
		lastFired = model.DateOf(now)
		t.safeFire(ctx, now)
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.after(t.cfg.PollInterval):
			poll()
		}
	}
}

// safeFire は発火処理を呼び出し、エラーとpanicをログに記録する。
func (t *DailyTrigger) safeFire(ctx context.Context, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("リマインダー処理でpanicが発生しました",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := t.fire(ctx, now); err != nil {
		t.logger.Error("リマインダー処理に失敗しました",
			slog.Time("now", now),
			slog.String("error", err.Error()),
		)
	}
}

// NextFire はnowを基準に次回の発火時刻を返す。
// 当日の発火時刻を過ぎてからの遅れがgrace未満であればfireNowが真になり、nextは翌日の発火時刻になる。
func NextFire(now time.Time, hour int, grace time.Duration) (fireNow bool, next time.Time) {
	y, m, d := now.Date()
	today := time.Date(y, m, d, hour, 0, 0, 0, now.Location())

	if now.Before(today) {
		return false, today
	}
	tomorrow := today.AddDate(0, 0, 1)
	if now.Sub(today) < grace {
		return true, tomorrow
	}
	return false, tomorrow
}

// ShouldFire はポーリング方式で発火すべきかどうかを返す。
// nowが指定時刻以降で、かつ当日まだ発火していない場合に真を返す。
func ShouldFire(now time.Time, lastFired model.CalendarDate, hour int) bool {
	return now.Hour() >= hour && model.DateOf(now) != lastFired
}
