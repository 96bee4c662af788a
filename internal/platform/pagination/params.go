// Package pagination parses page/offset/limit query parameters shared by the listing endpoints.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidParams wraps every parse failure so handlers can map it to 400.
var ErrInvalidParams = errors.New("pagination: invalid parameters")

// Params are the raw, validated inputs. Zero Page and Limit mean "use the default"; a nil Offset means
// "derive from Page".
type Params struct {
	Page   int
	Offset *int
	Limit  int
}

// Parse reads page, offset and limit from values.
func Parse(values url.Values) (Params, error) {
	var params Params
	var err error
	if params.Page, err = positiveInt(values, "page", 1); err != nil {
		return Params{}, err
	}
	if params.Limit, err = positiveInt(values, "limit", 1); err != nil {
		return Params{}, err
	}
	if raw := strings.TrimSpace(values.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return Params{}, fmt.Errorf("%w: offset must be a non-negative integer", ErrInvalidParams)
		}
		params.Offset = &offset
	}
	return params, nil
}

// FromRequest parses the request's query string.
func FromRequest(r *http.Request) (Params, error) {
	return Parse(r.URL.Query())
}

func positiveInt(values url.Values, key string, min int) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		return 0, fmt.Errorf("%w: %s must be an integer >= %d", ErrInvalidParams, key, min)
	}
	return value, nil
}
