package jsonerr

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/ciscopsirt/matchd"
)

func TestWriteErrorMapsKindToStatus(t *testing.T) {
	cases := []struct {
		kind matchd.ErrorKind
		want int
	}{
		{matchd.ErrBadInput, 400},
		{matchd.ErrCorrupt, 400},
		{matchd.ErrNotFound, 404},
		{matchd.ErrUnauthorized, 403},
		{matchd.ErrRateLimited, 429},
		{matchd.ErrTimeout, 504},
		{matchd.ErrUpstream, 502},
		{matchd.ErrInternal, 500},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, &matchd.Error{Kind: c.kind, Message: "boom"})
		if rec.Code != c.want {
			t.Errorf("kind %s: got status %d, want %d", c.kind, rec.Code, c.want)
		}
		var body Response
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("kind %s: response did not decode: %v", c.kind, err)
		}
		if body.Error != string(c.kind) || body.Detail != "boom" {
			t.Errorf("kind %s: got body %+v", c.kind, body)
		}
	}
}

func TestWriteErrorFallsBackForPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("something unwrapped"))
	if rec.Code != 500 {
		t.Fatalf("expected 500 for a non-matchd.Error, got %d", rec.Code)
	}
	var body Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response did not decode: %v", err)
	}
	if body.Error != "internal" {
		t.Fatalf("got body %+v", body)
	}
}
