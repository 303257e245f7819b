package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxRequestBody bounds JSON request bodies. PGN files of very long games
// stay well below it.
const MaxRequestBody = 1 << 20

// DecodeJSONRequest decodes exactly one JSON value from the body into dst.
// Unknown fields and trailing data are rejected.
func DecodeJSONRequest(r *http.Request, dst interface{}) error {
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBody+1))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON: trailing data after the request object")
	}
	return nil
}
