package mediator

import "testing"

func TestDispatcher_RegisterProtocol_BothDocURIs(t *testing.T) {
	d := NewDispatcher(nil)
	called := 0
	d.RegisterProtocol("trust_ping", "1.0", "ping", func(msg *Message, conn *Connection) (*Message, error) {
		called++
		return nil, nil
	})

	for _, typ := range []string{LegacyDocURI + "trust_ping/1.0/ping", CurrentDocURI + "trust_ping/1.0/ping"} {
		if _, err := d.Dispatch(&Message{Type: typ}, nil); err != nil {
			t.Fatalf("Dispatch(%q): %v", typ, err)
		}
	}
	if called != 2 {
		t.Fatalf("handler called %d times, want 2", called)
	}
}

func TestDispatcher_Dispatch_UnknownType(t *testing.T) {
	d := NewDispatcher(nil)
	reply, err := d.Dispatch(&Message{Type: "https://didcomm.org/unknown/1.0/x"}, nil)
	if err != nil || reply != nil {
		t.Fatalf("expected (nil, nil) for an unknown type, got (%v, %v)", reply, err)
	}
}

func TestDispatcher_HandlerErrorBecomesProblemReport(t *testing.T) {
	d := NewDispatcher(nil)
	d.RegisterType("x", func(msg *Message, conn *Connection) (*Message, error) {
		return nil, &SignatureInvalidError{Reason: "bad sig"}
	})

	reply, err := d.Dispatch(&Message{ID: "msg-1", Type: "x"}, nil)
	if err != nil {
		t.Fatalf("problemReporter should swallow handler errors, got %v", err)
	}
	if reply == nil || reply.Type != ProblemReportType {
		t.Fatalf("expected a problem-report reply, got %+v", reply)
	}
	var body ProblemReportBody
	if err := reply.UnmarshalBody(&body); err != nil {
		t.Fatalf("UnmarshalBody: %v", err)
	}
	if body.Description.Code != "signature-invalid" {
		t.Errorf("code = %q, want signature-invalid", body.Description.Code)
	}
}
