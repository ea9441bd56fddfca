// Package eligibility は「明日収集がある」通知対象の判定と、過去の収集日の剪定を行う。
// EvaluateとPruneは副作用を持たない純粋関数で、Engineがそれらを購読ごとに適用する。
package eligibility

import (
	"time"

	"github.com/hitoshi/binday/internal/model"
)

// Evaluate はnowの翌日（暦日）に収集があるお気に入り・種別の組を通知意図として返す。
// 時刻ではなく暦日で比較するため、nowの時刻や収集日の時刻表現に影響されない。
// 結果は（住所キー, 種別, 日付）で重複を除き、お気に入りの順、種別の表示順に並ぶ。
func Evaluate(now time.Time, favorites []model.FavoriteAddress) []model.NotificationIntent {
	tomorrow := model.DateOf(now).AddDays(1)

	seen := make(map[string]struct{})
	var intents []model.NotificationIntent
	for _, fav := range favorites {
		for _, ct := range model.AllCollectionTypes {
			for _, d := range fav.Schedule[ct] {
				if d != tomorrow {
					continue
				}
				intent := model.NotificationIntent{
					Address:        fav.Address,
					CollectionType: ct,
					Date:           d,
				}
				if _, dup := seen[intent.Key()]; dup {
					continue
				}
				seen[intent.Key()] = struct{}{}
				intents = append(intents, intent)
			}
		}
	}
	return intents
}

// Prune はnowの当日以降の収集日のみを残したScheduleを返す。
// 1件でも取り除いた場合はchangedが真になる。同じnowで繰り返し適用しても結果は変わらない。
func Prune(now time.Time, s model.Schedule) (pruned model.Schedule, changed bool) {
	today := model.DateOf(now)

	pruned = model.NewSchedule()
	for _, ct := range model.AllCollectionTypes {
		for _, d := range s[ct] {
			if d.Before(today) {
				changed = true
				continue
			}
			pruned[ct] = append(pruned[ct], d)
		}
	}
	return pruned, changed
}
