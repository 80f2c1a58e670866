package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ToRow converts a local record into its remote row. JSON columns are
// serialized to text and times are sent as UTC.
func (t TableSpec) ToRow(rec Record) (Row, error) {
	row := make(Row, len(t.Columns)+6)
	if t.Identity == SurrogateKey {
		if rec.ID == "" {
			return nil, fmt.Errorf("%s: record has no id", t.Name)
		}
		row[ColID] = rec.ID
	}
	if rec.UserID != nil {
		row[ColUserID] = *rec.UserID
	} else {
		row[ColUserID] = nil
	}
	row[ColVersion] = rec.Version
	row[ColCreatedAt] = Stamp(rec.CreatedAt)
	row[ColUpdatedAt] = Stamp(rec.UpdatedAt)
	if rec.DeletedAt != nil {
		row[ColDeletedAt] = Stamp(*rec.DeletedAt)
	} else {
		row[ColDeletedAt] = nil
	}

	for _, c := range t.Columns {
		v, err := toRemoteValue(c, rec.Field(c.Field))
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		row[c.Name] = v
	}
	return row, nil
}

// FromRow converts a remote row into a local record, restoring nested
// structures from their text form.
func (t TableSpec) FromRow(row Row) (Record, error) {
	var rec Record
	var err error

	if v := row[ColUserID]; v != nil {
		s, err := asString(v)
		if err != nil {
			return rec, fmt.Errorf("%s.user_id: %w", t.Name, err)
		}
		rec.UserID = &s
	}
	if rec.Version, err = asInt(row[ColVersion]); err != nil {
		return rec, fmt.Errorf("%s.version: %w", t.Name, err)
	}
	if rec.CreatedAt, err = asTime(row[ColCreatedAt]); err != nil {
		return rec, fmt.Errorf("%s.created_at: %w", t.Name, err)
	}
	if rec.UpdatedAt, err = asTime(row[ColUpdatedAt]); err != nil {
		return rec, fmt.Errorf("%s.updated_at: %w", t.Name, err)
	}
	if v := row[ColDeletedAt]; v != nil {
		d, err := asTime(v)
		if err != nil {
			return rec, fmt.Errorf("%s.deleted_at: %w", t.Name, err)
		}
		if !d.IsZero() {
			rec.DeletedAt = &d
		}
	}

	rec.Fields = make(map[string]any, len(t.Columns))
	for _, c := range t.Columns {
		v, err := fromRemoteValue(c, row[c.Name])
		if err != nil {
			return rec, fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		if v != nil {
			rec.Fields[c.Field] = v
		}
	}

	if t.Identity == SurrogateKey {
		if rec.ID, err = asString(row[ColID]); err != nil {
			return rec, fmt.Errorf("%s.id: %w", t.Name, err)
		}
	} else if rec.ID, err = t.RecordID(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Normalize coerces payload values into the canonical local representation:
// int64, float64, bool, string, RFC 3339 UTC strings for times and decoded
// JSON for nested values. Unknown fields are kept as they are.
func (t TableSpec) Normalize(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		c, ok := t.Column(k)
		if !ok || v == nil {
			out[k] = v
			continue
		}
		nv, err := normalizeValue(c, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(c Column, v any) (any, error) {
	switch c.Kind {
	case KindText:
		return asString(v)
	case KindInt:
		return asInt(v)
	case KindFloat:
		return asFloat(v)
	case KindBool:
		return asBool(v)
	case KindTime:
		ts, err := asTime(v)
		if err != nil {
			return nil, err
		}
		return FormatTime(ts), nil
	case KindJSON:
		return roundTripJSON(v)
	}
	return v, nil
}

func toRemoteValue(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case KindJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case KindTime:
		ts, err := asTime(v)
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	}
	return normalizeValue(c, v)
}

func fromRemoteValue(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.Kind == KindJSON {
		var raw []byte
		switch x := v.(type) {
		case string:
			raw = []byte(x)
		case []byte:
			raw = x
		default:
			return roundTripJSON(v)
		}
		if len(raw) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return out, nil
	}
	return normalizeValue(c, v)
}

// roundTripJSON gives native values the same shape json.Unmarshal produces,
// so locally built and remotely decoded payloads compare equal.
func roundTripJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TimePrecision is the finest instant both sides can store. MySQL DATETIME(6)
// and Postgres timestamptz keep microseconds.
const TimePrecision = time.Microsecond

// Stamp normalises t to UTC at TimePrecision.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// SameInstant reports whether a and b are equal at TimePrecision.
func SameInstant(a, b time.Time) bool {
	return Stamp(a).Equal(Stamp(b))
}

func FormatTime(t time.Time) string {
	return Stamp(t).Format(time.RFC3339Nano)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the timestamp layouts SQL drivers hand back as text.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case *time.Time:
		if x == nil {
			return time.Time{}, nil
		}
		return x.UTC(), nil
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		return ParseTime(x)
	case []byte:
		if len(x) == 0 {
			return time.Time{}, nil
		}
		return ParseTime(string(x))
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot use %T as time", v)
}

func asString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case int64, int, float64, bool:
		return fmt.Sprint(x), nil
	}
	return "", fmt.Errorf("cannot use %T as text", v)
}

func asInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	}
	return 0, fmt.Errorf("cannot use %T as number", v)
}

func asBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		return strconv.ParseBool(x)
	case []byte:
		return strconv.ParseBool(string(x))
	}
	return false, fmt.Errorf("cannot use %T as bool", v)
}
