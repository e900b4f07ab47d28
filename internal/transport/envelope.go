package transport

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/tidwall/gjson"
)

// Envelope is the wrapper every endpoint responds with.
type Envelope[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      T      `json:"data"`
	TraceID   string `json:"trace_id"`
	Timestamp int64  `json:"timestamp"`
}

// CheckEnvelope returns a *errs.BizError when body carries a non-zero code.
// Bodies that are not JSON objects or carry no code pass.
func CheckEnvelope(body []byte) error {
	if !gjson.ValidBytes(body) {
		return nil
	}
	code := gjson.GetBytes(body, "code")
	if !code.Exists() || code.Int() == 0 {
		return nil
	}
	return &errs.BizError{
		Code:    int(code.Int()),
		Message: gjson.GetBytes(body, "message").String(),
		TraceID: gjson.GetBytes(body, "trace_id").String(),
	}
}

// Decode unwraps the envelope of resp into its data.
func Decode[T any](resp *Response) (T, error) {
	var env Envelope[T]
	if resp == nil {
		return env.Data, fmt.Errorf("decode envelope: empty response")
	}
	if err := CheckEnvelope(resp.Body); err != nil {
		return env.Data, err
	}
	if len(resp.Body) == 0 {
		return env.Data, nil
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return env.Data, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Data, nil
}
