package mediator

import "testing"

func TestTransition_LegacyHandshake(t *testing.T) {
	s := StateNull
	s, err := transition(s, EventSendInvite)
	if err != nil || s != StateInviteSent {
		t.Fatalf("send_invite: got %v, %v", s, err)
	}

	s, err = transition(s, EventReceiveRequest)
	if err != nil || s != StateRequested {
		t.Fatalf("receive_request: got %v, %v", s, err)
	}

	s, err = transition(s, EventSendResponse)
	if err != nil || s != StateResponseSent {
		t.Fatalf("send_response: got %v, %v", s, err)
	}

	s, err = transition(s, EventReceivePing)
	if err != nil || s != StateComplete {
		t.Fatalf("receive_ping: got %v, %v", s, err)
	}
}

func TestTransition_DIDExchangeHandshake(t *testing.T) {
	s := StateNull
	s, _ = transition(s, EventReceiveInvite)
	if s != StateInvited {
		t.Fatalf("receive_invite: got %v", s)
	}

	s, err := transition(s, EventSendRequest)
	if err != nil || s != StateRequestSent {
		t.Fatalf("send_request: got %v, %v", s, err)
	}

	s, err = transition(s, EventReceiveResponse)
	if err != nil || s != StateResponded {
		t.Fatalf("receive_response: got %v, %v", s, err)
	}

	s, err = transition(s, EventSendComplete)
	if err != nil || s != StateComplete {
		t.Fatalf("send_complete: got %v, %v", s, err)
	}
}

func TestTransition_CompleteIsPingSelfLoop(t *testing.T) {
	for _, ev := range []Event{EventSendPing, EventReceivePing, EventSendPingResponse, EventReceivePingResponse} {
		s, err := transition(StateComplete, ev)
		if err != nil || s != StateComplete {
			t.Errorf("complete + %s: got %v, %v", ev, s, err)
		}
	}
}

func TestTransition_CompleteRejectsSendComplete(t *testing.T) {
	// send_complete/receive_complete reach StateComplete only from
	// Responded/ResponseSent; they are not a self-loop on StateComplete.
	if _, err := transition(StateComplete, EventSendComplete); err == nil {
		t.Error("expected illegal transition for send_complete on an already-complete connection")
	}
	if _, err := transition(StateComplete, EventReceiveComplete); err == nil {
		t.Error("expected illegal transition for receive_complete on an already-complete connection")
	}
}

func TestTransition_IllegalTransitionError(t *testing.T) {
	_, err := transition(StateNull, EventSendPing)
	if err == nil {
		t.Fatal("expected an error for an undefined transition")
	}
	ite, ok := err.(*IllegalTransitionError)
	if !ok {
		t.Fatalf("expected *IllegalTransitionError, got %T", err)
	}
	if ite.From != StateNull || ite.Event != EventSendPing {
		t.Errorf("unexpected fields: %+v", ite)
	}
}

func TestStateString(t *testing.T) {
	if StateResponseSent.String() != "response_sent" {
		t.Errorf("got %q", StateResponseSent.String())
	}
	if State(99).String() != "State(99)" {
		t.Errorf("got %q", State(99).String())
	}
}
