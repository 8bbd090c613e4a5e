package upstream

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		resp   *Response
		check  func(error) bool
		expect string
	}{
		{
			name:   "2xx is nil",
			resp:   &Response{Status: 204},
			check:  func(err error) bool { return err == nil },
			expect: "nil",
		},
		{
			name:   "429 is throttled",
			resp:   &Response{Status: 429, URL: "https://m/a"},
			check:  func(err error) bool { return errors.Is(err, ErrThrottled) },
			expect: "ErrThrottled",
		},
		{
			name: "403 with incident is blocked",
			resp: &Response{Status: 403, Body: []byte(`{"incidentId":"inc-9"}`)},
			check: func(err error) bool {
				var be *BlockedError
				return errors.As(err, &be) && be.IncidentID == "inc-9"
			},
			expect: "BlockedError",
		},
		{
			name: "403 without incident is a status error",
			resp: &Response{Status: 403, Body: []byte(`forbidden`)},
			check: func(err error) bool {
				var se *StatusError
				return errors.As(err, &se) && se.Status == 403
			},
			expect: "StatusError",
		},
		{
			name: "500 is a status error",
			resp: &Response{Status: 500},
			check: func(err error) bool {
				var se *StatusError
				return errors.As(err, &se) && se.Status == 500
			},
			expect: "StatusError",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := Classify(tt.resp); !tt.check(err) {
				t.Fatalf("Classify = %v, want %s", err, tt.expect)
			}
		})
	}
}

func TestExtractIncidentID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "camel case field", body: `{"incidentId":"a1"}`, want: "a1"},
		{name: "snake case field", body: `{"incident_id":"b2"}`, want: "b2"},
		{name: "query string in html", body: `<a href="/verify?incident_id=c3-d4">solve</a>`, want: "c3-d4"},
		{name: "plain text", body: "access denied", want: ""},
		{name: "empty body", body: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractIncidentID([]byte(tt.body)); got != tt.want {
				t.Fatalf("ExtractIncidentID(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}
