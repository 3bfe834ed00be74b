package api

import (
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

// Pagination defaults.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type incidentQuery struct {
	Status   string     `query:"status,lower" validate:"omitempty,oneof=active closed"`
	Type     string     `query:"type" validate:"max=200"`
	Address  string     `query:"address" validate:"max=200"`
	Priority *int       `query:"priority" validate:"omitempty,min=1,max=10"`
	Since    *time.Time `query:"since"`
	Until    *time.Time `query:"until"`
	Q        string     `query:"q" validate:"max=200"`
	Limit    int        `query:"limit" validate:"min=1,max=1000"`
	Offset   int        `query:"offset" validate:"min=0"`
}

// searchQuery additionally requires a search term.
type searchQuery struct {
	incidentQuery
	Term string `query:"q" validate:"required"`
}

// fieldError is one entry of a validation error response.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var timeType = reflect.TypeOf(time.Time{})

// bindQuery decodes URL query parameters into the fields named by their
// query tags. A ",lower" tag option lowercases the value. Type conversion
// problems are reported the same way validator tag failures are.
func bindQuery(values url.Values) (incidentQuery, []fieldError) {
	q := incidentQuery{Limit: DefaultLimit}
	errs := decodeQuery(values, reflect.ValueOf(&q).Elem())
	if q.Since != nil && q.Until != nil && q.Until.Before(*q.Since) {
		errs = append(errs, fieldError{Field: "until", Message: "must not be before since"})
	}
	return q, errs
}

func decodeQuery(values url.Values, dst reflect.Value) []fieldError {
	var errs []fieldError
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		name, opts, _ := strings.Cut(t.Field(i).Tag.Get("query"), ",")
		if name == "" || name == "-" {
			continue
		}
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		if opts == "lower" {
			raw = strings.ToLower(raw)
		}
		if msg := setField(dst.Field(i), raw); msg != "" {
			errs = append(errs, fieldError{Field: name, Message: msg})
		}
	}
	return errs
}

// setField stores raw in field, allocating pointers as needed, and returns
// a validation message when raw does not convert.
func setField(field reflect.Value, raw string) string {
	if field.Kind() == reflect.Pointer {
		elem := reflect.New(field.Type().Elem())
		if msg := setField(elem.Elem(), raw); msg != "" {
			return msg
		}
		field.Set(elem)
		return ""
	}
	switch {
	case field.Type() == timeType:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "must be an RFC3339 timestamp"
		}
		field.Set(reflect.ValueOf(ts))
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "must be an integer"
		}
		field.SetInt(int64(n))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	default:
		return "unsupported parameter type " + field.Type().String()
	}
	return ""
}

func (q incidentQuery) filters() incident.SearchFilters {
	f := incident.SearchFilters{
		Status:  incident.Status(q.Status),
		Type:    q.Type,
		Address: q.Address,
		Since:   q.Since,
		Until:   q.Until,
		Query:   q.Q,
		Offset:  q.Offset,
		Limit:   q.Limit,
	}
	if q.Priority != nil {
		f.Priority = *q.Priority
	}
	return f
}

func validationDetails(err error) []fieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []fieldError{{Field: "", Message: err.Error()}}
	}
	out := make([]fieldError, 0, len(verrs))
	for _, e := range verrs {
		msg := e.Tag()
		if e.Param() != "" {
			msg += "=" + e.Param()
		}
		out = append(out, fieldError{Field: e.Field(), Message: msg})
	}
	return out
}
