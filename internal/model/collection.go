package model

// CollectionType は収集種別を表す。
type CollectionType string

const (
	// CollectionGarbage は可燃ごみ（通常ごみ）の収集。
	CollectionGarbage CollectionType = "garbage"
	// CollectionRecycling はグリーンビンとリサイクルの収集。
	CollectionRecycling CollectionType = "recycling"
	// CollectionYardWaste は庭ごみの収集。
	CollectionYardWaste CollectionType = "yard_waste"
	// CollectionSpecial は特別収集（3コンテナ免除など）。
	CollectionSpecial CollectionType = "special"
)

// AllCollectionTypes は全収集種別を表示順で返す。
var AllCollectionTypes = []CollectionType{
	CollectionGarbage,
	CollectionRecycling,
	CollectionYardWaste,
	CollectionSpecial,
}

// Valid は定義済みの収集種別かどうかを返す。
func (t CollectionType) Valid() bool {
	switch t {
	case CollectionGarbage, CollectionRecycling, CollectionYardWaste, CollectionSpecial:
		return true
	default:
		return false
	}
}

// ParseCollectionType は文字列表現から収集種別を解析する。
func ParseCollectionType(s string) (CollectionType, bool) {
	t := CollectionType(s)
	return t, t.Valid()
}
