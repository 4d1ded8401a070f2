package mediator

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestNewProblemReport_ReportableCode(t *testing.T) {
	msg := NewProblemReport("thid-1", &AgentConnectionNotEstablishedError{})
	if msg.ThreadID != "thid-1" {
		t.Errorf("ThreadID = %q", msg.ThreadID)
	}
	var body ProblemReportBody
	if err := msg.UnmarshalBody(&body); err != nil {
		t.Fatalf("UnmarshalBody: %v", err)
	}
	if body.Description.Code != "agent-connection-not-established" {
		t.Errorf("code = %q", body.Description.Code)
	}
}

func TestKebabErrorCode_FallsBackToTypeName(t *testing.T) {
	type customWidgetError struct{ error }
	err := customWidgetError{error: ErrNotConnected}
	code := kebabErrorCode(err)
	if code != "custom-widget" {
		t.Errorf("got %q, want custom-widget", code)
	}
}

func TestToKebab(t *testing.T) {
	cases := map[string]string{
		"IllegalTransition": "illegal-transition",
		"X":                 "x",
		"":                  "",
	}
	for in, want := range cases {
		if got := toKebab(in); got != want {
			t.Errorf("toKebab(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProblemReporter_PassesThroughSuccess(t *testing.T) {
	h := problemReporter(func(msg *Message, conn *Connection) (*Message, error) {
		return &Message{Type: "ok"}, nil
	})
	reply, err := h(&Message{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Type != "ok" {
		t.Errorf("got %q", reply.Type)
	}
}

func TestLogErrors_WritesToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	handler := LogErrors(logger)

	handler(SDKError{Kind: ErrKindParseFailure, MessageID: "m1", Type: "t1", Cause: ErrNotConnected})
	if !strings.Contains(buf.String(), "ParseFailure") || !strings.Contains(buf.String(), "m1") {
		t.Errorf("log output missing expected fields: %q", buf.String())
	}
}
