package api

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/lox/pmsync/internal/ingest"
)

// Reply is the result of one triggered batch.
type Reply struct {
	StatusCode int       `json:"statusCode"`
	Body       ReplyBody `json:"body"`
}

type ReplyBody struct {
	Data ReplyData `json:"data"`
	Meta ReplyMeta `json:"meta"`
}

type ReplyData struct {
	ResponseData []ReadingItem `json:"responseData"`
}

type ReplyMeta struct {
	TimeTaken string   `json:"timeTaken"`
	Message   string   `json:"message"`
	ErrorList []string `json:"errorList"`
}

// ReadingItem is one persisted reading as stored, named by station.
type ReadingItem struct {
	StationName   string    `json:"stationName"`
	PM10Value     *float64  `json:"pm10Value"`
	PM25Value     *float64  `json:"pm25Value"`
	DataTime      time.Time `json:"dataTime"`
	RequestedTime time.Time `json:"requestedTime"`
}

// NewReply wraps a finished batch. Per-target failures still yield 200.
func NewReply(out *ingest.Outcome) Reply {
	items := make([]ReadingItem, 0, len(out.Successes))
	for _, res := range out.Successes {
		items = append(items, ReadingItem{
			StationName:   res.StationName,
			PM10Value:     nullable(res.Reading.PM10),
			PM25Value:     nullable(res.Reading.PM25),
			DataTime:      res.Reading.RecordedAt,
			RequestedTime: res.Reading.UpdatedAt,
		})
	}
	errs := out.Errors
	if errs == nil {
		errs = []string{}
	}
	return Reply{
		StatusCode: http.StatusOK,
		Body: ReplyBody{
			Data: ReplyData{ResponseData: items},
			Meta: ReplyMeta{
				TimeTaken: out.Elapsed.String(),
				Message:   fmt.Sprintf("SUCCESS: %d", len(items)),
				ErrorList: errs,
			},
		},
	}
}

// FailureReply reports a batch that could not start.
func FailureReply(err error, elapsed time.Duration) Reply {
	return Reply{
		StatusCode: http.StatusInternalServerError,
		Body: ReplyBody{
			Data: ReplyData{ResponseData: []ReadingItem{}},
			Meta: ReplyMeta{
				TimeTaken: elapsed.String(),
				Message:   "Internal Server Error",
				ErrorList: []string{err.Error()},
			},
		},
	}
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
