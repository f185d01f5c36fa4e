package utils

import (
	"encoding/json"
	"errors"
	"io"
)

// DecodeJSON 解析JSON请求体，空请求体视为零值
func DecodeJSON(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
