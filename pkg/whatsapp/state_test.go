package whatsapp

import (
	"testing"
)

func kinds(actions []action) []actionKind {
	out := make([]actionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.kind)
	}
	return out
}

func equalKinds(a, b []actionKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTrackerFreshPairing(t *testing.T) {
	tr := &tracker{}
	steps := []struct {
		state pageState
		want  []actionKind
	}{
		{pageState{State: pageLoading}, nil},
		{pageState{State: pageQR, QR: "ref-1"}, []actionKind{actPairing}},
		{pageState{State: pageQR, QR: "ref-1"}, nil},
		{pageState{State: pageQR, QR: "ref-2"}, []actionKind{actPairing}},
		{pageState{State: pageLoading}, []actionKind{actAuthenticated}},
		{pageState{State: pageReady, Wid: "79990001122:3@c.us"}, []actionKind{actReady}},
		{pageState{State: pageReady, Wid: "79990001122:3@c.us"}, nil},
	}
	for i, step := range steps {
		got := kinds(tr.observe(step.state))
		if !equalKinds(got, step.want) {
			t.Fatalf("шаг %d: ожидали %v, получили %v", i, step.want, got)
		}
	}
}

func TestTrackerReadyWithoutLoadingEmitsAuthenticatedFirst(t *testing.T) {
	tr := &tracker{restored: true}
	got := tr.observe(pageState{State: pageReady, Wid: `"79990001122@c.us"`, Name: "Ivan"})
	if !equalKinds(kinds(got), []actionKind{actAuthenticated, actReady}) {
		t.Fatalf("получили %v", kinds(got))
	}
	id := got[1].identity
	if id.Phone != "79990001122" || id.ID != "79990001122@c.us" || id.Name != "Ivan" {
		t.Fatalf("неверная учётная запись: %+v", id)
	}
}

func TestTrackerReadyWaitsForWid(t *testing.T) {
	tr := &tracker{}
	if got := tr.observe(pageState{State: pageReady}); len(got) != 0 {
		t.Fatalf("без wid событий быть не должно: %v", kinds(got))
	}
	if got := tr.observe(pageState{State: pageReady, Wid: "1@c.us"}); len(got) != 2 {
		t.Fatalf("ожидали authenticated и ready, получили %v", kinds(got))
	}
}

func TestTrackerRejectedRestore(t *testing.T) {
	tr := &tracker{restored: true}
	tr.observe(pageState{State: pageLoading})
	got := tr.observe(pageState{State: pageQR, QR: "ref"})
	if !equalKinds(kinds(got), []actionKind{actAuthFailure}) {
		t.Fatalf("получили %v", kinds(got))
	}
	if got := tr.observe(pageState{State: pageQR, QR: "ref-2"}); len(got) != 0 {
		t.Fatal("после завершения трекер должен молчать")
	}
}

func TestTrackerQRAfterReadyIsLogout(t *testing.T) {
	tr := &tracker{}
	tr.observe(pageState{State: pageReady, Wid: "1@c.us"})
	got := tr.observe(pageState{State: pageQR, QR: "ref"})
	if len(got) != 1 || got[0].kind != actDisconnected || got[0].reason != "LOGOUT" {
		t.Fatalf("ожидали LOGOUT, получили %+v", got)
	}
}

func TestParseWid(t *testing.T) {
	cases := map[string]string{
		"79990001122:12@c.us":   "79990001122",
		`"79990001122@c.us"`:    "79990001122",
		"79990001122":           "79990001122",
		" 79990001122:1@c.us  ": "79990001122",
	}
	for in, want := range cases {
		id, ok := parseWid(in)
		if !ok || id.Phone != want || id.ID != want+"@c.us" {
			t.Errorf("parseWid(%q) = %+v, %v", in, id, ok)
		}
	}
	for _, in := range []string{"", `""`, "@c.us"} {
		if _, ok := parseWid(in); ok {
			t.Errorf("parseWid(%q) должен вернуть false", in)
		}
	}
}

func TestParseInbound(t *testing.T) {
	msg, err := parseInbound(`{"id":"false_79990001122@c.us_ABC","from":"79990001122@c.us","to":"79991112233@c.us","body":"hello","type":"chat","timestamp":1700000000,"hasMedia":false,"isForwarded":true}`)
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if msg.From != "79990001122@c.us" || msg.Body != "hello" || msg.Timestamp != 1700000000 || !msg.IsForwarded {
		t.Fatalf("неверно разобрано: %+v", msg)
	}

	if _, err := parseInbound(`{"id":"x","body":"no sender"}`); err == nil {
		t.Fatal("сообщение без отправителя должно отклоняться")
	}
	if _, err := parseInbound(`not json`); err == nil {
		t.Fatal("ожидали ошибку разбора")
	}
}
