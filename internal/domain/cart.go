package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Ключи позиции корзины в сохранённом снимке терминала.
const (
	lineFieldID       = "id"
	lineFieldQuantity = "quantity"
	lineFieldPrice    = "price"
	lineFieldName     = "name"
	lineFieldUnit     = "unit"
)

// CartLine: одна позиция корзины терминала.
type CartLine struct {
	// ProductID хранится в канонической строковой форме (см. NormalizeProductID).
	ProductID string
	// Quantity может быть дробным (весовой товар).
	Quantity  float64
	UnitPrice float64
	Name      string
	Unit      string
	// Extra содержит поля, которые движок резервирования не использует.
	// Они переживают перезапись снимка без изменений.
	Extra map[string]json.RawMessage

	// rawID сохраняет исходное числовое представление id.
	rawID json.RawMessage
}

// NormalizeProductID приводит идентификатор товара к канонической строке.
// Строки сравниваются как есть (без пробелов по краям), поэтому ведущие нули штрихкодов значимы.
func NormalizeProductID(id string) string {
	return strings.TrimSpace(id)
}

// canonicalNumber форматирует числовой id так, что 12 и 12.0 совпадают со строкой "12".
func canonicalNumber(n json.Number) string {
	f, err := n.Float64()
	if err != nil || !isFinite(f) {
		return NormalizeProductID(n.String())
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// isNumericLiteral отсекает строки вроде "Inf", "0x1p-2" и "1_000", которые ParseFloat тоже понимает.
func isNumericLiteral(s string) bool {
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
		case (r == '-' || r == '+') && i == 0:
		case r == 'e' || r == 'E':
		default:
			return false
		}
	}
	return true
}

// Subtotal возвращает стоимость позиции.
func (l CartLine) Subtotal() float64 {
	return l.Quantity * l.UnitPrice
}

// Clone возвращает копию позиции, не разделяющую память с оригиналом.
func (l CartLine) Clone() CartLine {
	out := l
	out.Extra = cloneRawFields(l.Extra)
	if l.rawID != nil {
		out.rawID = append(json.RawMessage(nil), l.rawID...)
	}
	return out
}

// MarshalJSON сериализует позицию, сохраняя неизвестные поля.
func (l CartLine) MarshalJSON() ([]byte, error) {
	out := cloneRawFields(l.Extra)
	if out == nil {
		out = make(map[string]json.RawMessage, 5)
	}

	_, preservedID := out[lineFieldID]
	switch {
	case l.rawID != nil && canonicalRawID(l.rawID) == l.ProductID:
		out[lineFieldID] = l.rawID
	case preservedID && l.ProductID == "":
	default:
		if err := putField(out, lineFieldID, l.ProductID); err != nil {
			return nil, err
		}
	}
	if err := putNumber(out, lineFieldQuantity, l.Quantity); err != nil {
		return nil, err
	}
	if err := putNumber(out, lineFieldPrice, l.UnitPrice); err != nil {
		return nil, err
	}
	if l.Name != "" {
		if err := putField(out, lineFieldName, l.Name); err != nil {
			return nil, err
		}
	}
	if l.Unit != "" {
		if err := putField(out, lineFieldUnit, l.Unit); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON разбирает позицию терпимо к данным других терминалов:
// некорректные числовые поля дают 0 и сохраняются как есть в Extra.
func (l *CartLine) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*l = CartLine{}
	if raw, ok := fields[lineFieldID]; ok {
		if id := canonicalRawID(raw); id != "" {
			l.ProductID = id
			if !isJSONString(raw) {
				l.rawID = append(json.RawMessage(nil), raw...)
			}
			delete(fields, lineFieldID)
		}
	}
	if raw, ok := fields[lineFieldQuantity]; ok {
		if q, ok := ParseNumber(raw); ok {
			l.Quantity = q
			delete(fields, lineFieldQuantity)
		}
	}
	if raw, ok := fields[lineFieldPrice]; ok {
		if p, ok := ParseNumber(raw); ok {
			l.UnitPrice = p
			delete(fields, lineFieldPrice)
		}
	}
	if raw, ok := fields[lineFieldName]; ok {
		if err := json.Unmarshal(raw, &l.Name); err == nil {
			delete(fields, lineFieldName)
		}
	}
	if raw, ok := fields[lineFieldUnit]; ok {
		if err := json.Unmarshal(raw, &l.Unit); err == nil {
			delete(fields, lineFieldUnit)
		}
	}

	if len(fields) > 0 {
		l.Extra = fields
	}
	return nil
}

// ParseNumber извлекает конечное число из JSON-числа или строки с числом.
func ParseNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, isFinite(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if !isNumericLiteral(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, isFinite(f)
}

func canonicalRawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return NormalizeProductID(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return canonicalNumber(n)
	}
	return ""
}

func isJSONString(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// putNumber не затирает сохранённое некорректное значение, пока поле не изменено.
func putNumber(out map[string]json.RawMessage, key string, value float64) error {
	if _, preserved := out[key]; preserved && value == 0 {
		return nil
	}
	return putField(out, key, value)
}

func putField(out map[string]json.RawMessage, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	out[key] = raw
	return nil
}

func cloneRawFields(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
