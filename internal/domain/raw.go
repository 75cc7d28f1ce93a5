package domain

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// RawReading is a glucose item as the provider sends it.
type RawReading struct {
	FactoryTimestamp string    `json:"FactoryTimestamp"`
	Timestamp        string    `json:"Timestamp"`
	ValueInMgPerDl   *float64  `json:"ValueInMgPerDl"`
	Value            *float64  `json:"Value"`
	TrendArrow       TrendCode `json:"TrendArrow"`
	IsHigh           *bool     `json:"isHigh"`
	IsLow            *bool     `json:"isLow"`
}

// TrendCode holds the provider trend as sent: a small integer, a name, or nothing.
type TrendCode struct {
	Index *int
	Name  string
}

// TrendIndex builds a numeric trend code.
func TrendIndex(i int) TrendCode {
	return TrendCode{Index: &i}
}

func (t *TrendCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = TrendCode{}
		return nil
	}

	if data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return errors.Wrap(err, "failed to decode trend name")
		}
		if i, err := strconv.Atoi(name); err == nil {
			*t = TrendIndex(i)
			return nil
		}
		*t = TrendCode{Name: name}
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "failed to decode trend code")
	}
	*t = TrendIndex(int(f))
	return nil
}

func (t TrendCode) MarshalJSON() ([]byte, error) {
	switch {
	case t.Index != nil:
		return json.Marshal(*t.Index)
	case t.Name != "":
		return json.Marshal(t.Name)
	default:
		return []byte("null"), nil
	}
}
