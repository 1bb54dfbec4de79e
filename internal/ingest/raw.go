package ingest

import (
	"bytes"
	"encoding/json"
)

// NormalCode is the resultMsg AirKorea sends on success.
const NormalCode = "NORMAL_CODE"

// RawReading is the subset of the AirKorea response that ingestion reads.
// Missing objects and fields decode to their zero values.
type RawReading struct {
	Response struct {
		Header struct {
			ResultCode Text            `json:"resultCode"`
			ResultMsg  json.RawMessage `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items []RawItem `json:"items"`
		} `json:"body"`
	} `json:"response"`
}

// ResultMessage returns header.resultMsg when it is present as a string.
func (r *RawReading) ResultMessage() (string, bool) {
	if r == nil || len(r.Response.Header.ResultMsg) == 0 {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(r.Response.Header.ResultMsg, &msg); err != nil {
		return "", false
	}
	return msg, true
}

// Latest returns the most recent item, which AirKorea lists first.
func (r *RawReading) Latest() (RawItem, bool) {
	if r == nil || len(r.Response.Body.Items) == 0 {
		return RawItem{}, false
	}
	return r.Response.Body.Items[0], true
}

type RawItem struct {
	StationName Text `json:"stationName"`
	DataTime    Text `json:"dataTime"`
	PM10Value   Text `json:"pm10Value"`
	PM25Value   Text `json:"pm25Value"`
	PM10Flag    Text `json:"pm10Flag"`
	PM25Flag    Text `json:"pm25Flag"`
}

// Text is a JSON value read as text. Strings and numbers are kept verbatim;
// null, booleans, objects and arrays leave it unset.
type Text struct {
	Value string
	Valid bool
}

func (t *Text) UnmarshalJSON(b []byte) error {
	*t = Text{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text{Value: s, Valid: true}
	case c == '-' || (c >= '0' && c <= '9'):
		*t = Text{Value: string(b), Valid: true}
	}
	return nil
}
