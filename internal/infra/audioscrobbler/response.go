package audioscrobbler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
)

// APIError is an error response of the service.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// flexInt accepts 3 and "3".
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return errors.Wrapf(err, "not a number: %s", data)
	}
	*n = flexInt(v)
	return nil
}

// flexString accepts "91" and 91.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if string(data) == "null" {
		*s = ""
		return nil
	}
	*s = flexString(data)
	return nil
}

type errorResponse struct {
	Error   *flexInt `json:"error"`
	Message string   `json:"message"`
}

// parseAPIError returns the error carried by body, if any.
func parseAPIError(body []byte) *APIError {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil {
		return nil
	}
	return &APIError{Code: int(*resp.Error), Message: resp.Message}
}

type sessionResponse struct {
	Session struct {
		Name string `json:"name"`
		Key  string `json:"key"`
	} `json:"session"`
}

type scrobbleResponse struct {
	Scrobbles *struct {
		Attr struct {
			Accepted flexInt `json:"accepted"`
			Ignored  flexInt `json:"ignored"`
		} `json:"@attr"`
		Scrobble scrobbleEntries `json:"scrobble"`
	} `json:"scrobbles"`
}

// scrobbleEntries is a single object for one-item batches and an array otherwise.
type scrobbleEntries []scrobbleEntry

func (e *scrobbleEntries) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*e = nil
		return nil
	case data[0] == '[':
		var many []scrobbleEntry
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*e = many
		return nil
	default:
		var one scrobbleEntry
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*e = scrobbleEntries{one}
		return nil
	}
}

type scrobbleEntry struct {
	IgnoredMessage *ignoredMessage `json:"ignoredMessage"`
}

// ignoredMessage is {"code": "1", "#text": "..."}, a bare message or a bare code.
type ignoredMessage struct {
	Code string
	Text string
}

func (m *ignoredMessage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		return nil
	case data[0] == '{':
		var obj struct {
			Code flexString `json:"code"`
			Text string     `json:"#text"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		m.Code, m.Text = string(obj.Code), obj.Text
		return nil
	case data[0] == '"':
		return json.Unmarshal(data, &m.Text)
	default:
		var code flexString
		if err := json.Unmarshal(data, &code); err != nil {
			return err
		}
		m.Code = string(code)
		return nil
	}
}
