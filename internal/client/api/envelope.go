package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
)

// Envelope is the shape every pipeline call resolves to.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`

	Status int `json:"-"`
}

var errNoData = errors.New("envelope has no data")

// Decode unmarshals Data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return errNoData
	}
	return json.Unmarshal(e.Data, v)
}

// Response is the raw result of one HTTP exchange.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// normalize passes a backend envelope through unchanged and wraps any
// other payload into a success envelope.
func normalize(resp *Response) *Envelope {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return &Envelope{Success: true, Status: resp.Status}
	}

	if isEnvelope(body) {
		var env Envelope
		if err := json.Unmarshal(body, &env); err == nil {
			env.Status = resp.Status
			return &env
		}
	}

	data := json.RawMessage(body)
	if !json.Valid(body) {
		data, _ = json.Marshal(string(body))
	}
	return &Envelope{Success: true, Data: data, Status: resp.Status}
}

func isEnvelope(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	raw, ok := probe["success"]
	if !ok {
		return false
	}
	var b bool
	return json.Unmarshal(raw, &b) == nil
}

// messageOf extracts a human message from an error body.
func messageOf(resp *Response) string {
	var probe struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(resp.Body, &probe) == nil {
		if probe.Message != "" {
			return probe.Message
		}
		if probe.Error != "" {
			return probe.Error
		}
	}
	return http.StatusText(resp.Status)
}
