package zonefinder

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// flexString は文字列・数値・nullのいずれでもデコードできる文字列。
// ジオコード結果の番地は数値で返ることがある。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = flexString(n.String())
	}
	return nil
}

// geoProperties はジオコード結果の住所属性。
type geoProperties struct {
	MunicipalNumber flexString `json:"MunicipalNumber"`
	StreetName      flexString `json:"StreetName"`
	StreetType      flexString `json:"StreetType"`
	UnitNumber      flexString `json:"UnitNumber"`
}

// form はゾーン検索フォームの値を返す。
func (g geoProperties) form() url.Values {
	v := url.Values{}
	v.Set("StreetNo", string(g.MunicipalNumber))
	v.Set("StreetName", string(g.StreetName))
	v.Set("StreetType", string(g.StreetType))
	v.Set("UnitNumber", string(g.UnitNumber))
	v.Set("StreetNoQualifier", "")
	return v
}
