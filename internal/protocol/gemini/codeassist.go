package gemini

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WrapCodeAssist wraps a generateContent request body in the Code Assist
// API's {"model":..., "request": {...}} envelope, both for the
// non-streaming and streaming calls — the same body shape, only the path
// suffix differs at the HTTP layer.
func WrapCodeAssist(model string, project string, body []byte) ([]byte, error) {
	wrapped, err := sjson.SetRawBytes([]byte(`{}`), "request", body)
	if err != nil {
		return nil, err
	}
	wrapped, err = sjson.SetBytes(wrapped, "model", model)
	if err != nil {
		return nil, err
	}
	if project != "" {
		wrapped, err = sjson.SetBytes(wrapped, "project", project)
		if err != nil {
			return nil, err
		}
	}
	return wrapped, nil
}

// UnwrapCodeAssist strips the Code Assist {"response": {...}} envelope off
// a non-streaming response, returning the inner generateContent body
// unchanged so TranslateResponse can consume it directly.
func UnwrapCodeAssist(body []byte) []byte {
	if r := gjson.GetBytes(body, "response"); r.Exists() {
		return []byte(r.Raw)
	}
	return body
}

// UnwrapCodeAssistChunk strips the same envelope off one streamed SSE
// data payload.
func UnwrapCodeAssistChunk(data []byte) []byte {
	return UnwrapCodeAssist(data)
}
