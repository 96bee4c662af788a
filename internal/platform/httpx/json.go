package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBody caps request bodies decoded by DecodeJSON.
const DefaultMaxBody = 1 << 20

// ErrEmptyBody is returned by DecodeJSON when the request carries no body.
var ErrEmptyBody = errors.New("request body is empty")

// WriteJSON encodes payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON decodes one JSON value from the request body into dst and rejects trailing data.
// limit <= 0 uses DefaultMaxBody.
func DecodeJSON(r *http.Request, dst any, limit int64) error {
	if r.Body == nil {
		return ErrEmptyBody
	}
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit+1))
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return errors.New("invalid JSON body: unexpected trailing data")
	}
	return nil
}
