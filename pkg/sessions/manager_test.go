package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wsm_go/models"
	"wsm_go/pkg/engine"
	"wsm_go/pkg/storage"
)

// --- фейковый движок ---

type fakeClient struct {
	accountID string
	events    engine.Events

	initGate chan struct{}
	initErr  error
	shotErr  error

	initCalls    atomic.Int32
	shotCalls    atomic.Int32
	destroyCalls atomic.Int32

	mu   sync.Mutex
	sent []string
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.initCalls.Add(1)
	if c.initGate != nil {
		select {
		case <-c.initGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.initErr
}

func (c *fakeClient) SendMessage(_ context.Context, chatID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chatID+"|"+body)
	return nil
}

func (c *fakeClient) Screenshot(context.Context) ([]byte, error) {
	c.shotCalls.Add(1)
	if c.shotErr != nil {
		return nil, c.shotErr
	}
	return []byte("png"), nil
}

func (c *fakeClient) Destroy(context.Context) error {
	c.destroyCalls.Add(1)
	return nil
}

type fakeDriver struct {
	mu       sync.Mutex
	clients  map[string]*fakeClient
	newCalls atomic.Int32
	initGate chan struct{}
	initErrs map[string]error
	purged   []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{clients: make(map[string]*fakeClient), initErrs: make(map[string]error)}
}

func (d *fakeDriver) Name() string          { return "fake" }
func (d *fakeDriver) DefaultDomain() string { return "c.us" }

func (d *fakeDriver) NewClient(accountID string, events engine.Events) (engine.Client, error) {
	d.newCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeClient{
		accountID: accountID,
		events:    events,
		initGate:  d.initGate,
		initErr:   d.initErrs[accountID],
	}
	d.clients[accountID] = c
	return c, nil
}

func (d *fakeDriver) PurgeAuth(_ context.Context, accountID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, accountID)
	return nil
}

func (d *fakeDriver) client(t *testing.T, accountID string) *fakeClient {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[accountID]
	if !ok {
		t.Fatalf("клиент для %s не создан", accountID)
	}
	return c
}

// --- фейковое хранилище и пересылка ---

type update struct {
	id     string
	fields map[string]any
}

type fakeStore struct {
	mu      sync.Mutex
	updates []update
	sos     []string
	err     error
}

func (s *fakeStore) UpdateAccountFields(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update{id: id, fields: fields})
	return s.err
}

func (s *fakeStore) SaveSos(_ context.Context, accountID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sos = append(s.sos, accountID+": "+msg)
	return nil
}

func (s *fakeStore) last(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].id == id {
			return s.updates[i].fields
		}
	}
	return nil
}

func (s *fakeStore) statuses(id string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, u := range s.updates {
		if st, ok := u.fields["status"]; ok && u.id == id {
			out = append(out, st)
		}
	}
	return out
}

type forwarded struct {
	url  string
	body string
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []forwarded
}

func (r *fakeRelay) Forward(_ context.Context, _ string, url string, msg engine.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, forwarded{url: url, body: msg.Body})
}

func newTestManager(cfg Config) (*Manager, *fakeDriver, *fakeStore, *fakeRelay) {
	d := newFakeDriver()
	st := &fakeStore{}
	r := &fakeRelay{}
	return NewManager(d, st, r, cfg), d, st, r
}

func readySession(t *testing.T, m *Manager, d *fakeDriver, id string) *fakeClient {
	t.Helper()
	if _, err := m.Initialize(context.Background(), id, ""); err != nil {
		t.Fatalf("Initialize(%s): %v", id, err)
	}
	c := d.client(t, id)
	c.events.OnAuthenticated()
	c.events.OnReady(engine.Identity{ID: "79990001122@c.us", Phone: "79990001122"})
	return c
}

// --- тесты ---

func TestConcurrentInitializeCreatesOneClient(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	gate := make(chan struct{})
	d.initGate = gate

	const callers = 5
	handles := make([]*Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Initialize(context.Background(), "acc-1", "")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := d.newCalls.Load(); n != 1 {
		t.Fatalf("ожидали одного клиента, создано %d", n)
	}
	for i := range handles {
		if errs[i] != nil {
			t.Fatalf("вызов %d вернул ошибку: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("вызов %d вернул другой хэндл", i)
		}
	}
}

func TestInitializeFailureLeavesNoHandle(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	d.initErrs["acc-1"] = errors.New("browser crashed")

	_, err := m.Initialize(context.Background(), "acc-1", "")
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("ожидали ErrLaunch, получили %v", err)
	}
	if st := m.GetSessionState("acc-1"); st != NotInitialized {
		t.Fatalf("после сбоя состояние %s", st)
	}
	m.wait()
	if n := d.client(t, "acc-1").destroyCalls.Load(); n != 1 {
		t.Fatalf("клиент после сбоя должен быть закрыт, Destroy вызван %d раз", n)
	}
	if got := m.Stats().Snapshot().LaunchFailures; got != 1 {
		t.Fatalf("LaunchFailures = %d", got)
	}

	delete(d.initErrs, "acc-1")
	if _, err := m.Initialize(context.Background(), "acc-1", ""); err != nil {
		t.Fatalf("повторная инициализация: %v", err)
	}
}

func TestInitializeTimeoutIsLaunchError(t *testing.T) {
	m, d, _, _ := newTestManager(Config{InitTimeout: 20 * time.Millisecond})
	d.initGate = make(chan struct{})

	_, err := m.Initialize(context.Background(), "acc-1", "")
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("ожидали ErrLaunch, получили %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatal("хэндл остался после таймаута")
	}
}

func TestLifecycleStatusesArePersistedInOrder(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	if _, err := m.Initialize(context.Background(), "acc-1", ""); err != nil {
		t.Fatal(err)
	}
	c := d.client(t, "acc-1")

	c.events.OnPairingCode("pairing-code-1")
	if st := m.GetSessionState("acc-1"); st != Connecting {
		t.Fatalf("состояние при QR: %s", st)
	}
	qr, ok := m.GetPairingImage("acc-1")
	if !ok || !strings.HasPrefix(qr.Image, "data:image/png;base64,") {
		t.Fatalf("нет QR-картинки: %+v", qr)
	}

	c.events.OnAuthenticated()
	if _, ok := m.GetPairingImage("acc-1"); ok {
		t.Fatal("QR должен сбрасываться после авторизации")
	}

	c.events.OnReady(engine.Identity{Phone: "79990001122"})
	if st := m.GetSessionState("acc-1"); st != Ready {
		t.Fatalf("состояние после READY: %s", st)
	}
	m.wait()

	want := []any{models.StatusQR, models.StatusAuth, models.StatusReady}
	got := st.statuses("acc-1")
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("порядок статусов: ожидали %v, получили %v", want, got)
	}
	last := st.last("acc-1")
	if last["phone_number"] != "79990001122" || last["qr_code"] != nil {
		t.Fatalf("READY сохранён неверно: %v", last)
	}
}

func TestPairingCodeIgnoredWhenReady(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")
	m.wait()

	c.events.OnPairingCode("late-code")
	m.wait()

	if m.GetSessionState("acc-1") != Ready {
		t.Fatal("QR не должен менять готовую сессию")
	}
	if _, ok := m.GetPairingImage("acc-1"); ok {
		t.Fatal("QR-картинка появилась у готовой сессии")
	}
	if last := st.last("acc-1"); last["status"] != models.StatusReady {
		t.Fatalf("последний сохранённый статус %v", last["status"])
	}
}

func TestDestroyThenStateIsNotInitialized(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")

	if err := m.Destroy(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if st := m.GetSessionState("acc-1"); st != NotInitialized {
		t.Fatalf("после Destroy состояние %s", st)
	}
	if c.destroyCalls.Load() != 1 {
		t.Fatal("клиент не закрыт")
	}
	m.wait()
	last := st.last("acc-1")
	if last["status"] != models.StatusDisconnected || last["phone_number"] != nil || last["qr_code"] != nil {
		t.Fatalf("после Destroy сохранено %v", last)
	}

	// События старого хэндла больше ничего не меняют.
	c.events.OnReady(engine.Identity{Phone: "1"})
	if m.GetSessionState("acc-1") != NotInitialized {
		t.Fatal("событие устаревшего хэндла изменило состояние")
	}

	if err := m.Destroy(context.Background(), "acc-1"); err != nil {
		t.Fatalf("повторный Destroy: %v", err)
	}
}

func TestSnapshotNotReadySkipsEngine(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	if _, err := m.Initialize(context.Background(), "acc-1", ""); err != nil {
		t.Fatal(err)
	}
	_, err := m.CaptureSnapshot(context.Background(), "acc-1", 0)
	if !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("ожидали ErrSessionNotReady, получили %v", err)
	}
	if n := d.client(t, "acc-1").shotCalls.Load(); n != 0 {
		t.Fatalf("движок вызван %d раз", n)
	}

	if _, err := m.CaptureSnapshot(context.Background(), "missing", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ожидали ErrSessionNotFound, получили %v", err)
	}
}

func TestSnapshotPersistsImage(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	readySession(t, m, d, "acc-1")

	snap, err := m.CaptureSnapshot(context.Background(), "acc-1", time.Millisecond)
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}
	if snap.Image != engine.PNGDataURL([]byte("png")) {
		t.Fatalf("неожиданный снимок %q", snap.Image)
	}
	m.wait()
	last := st.last("acc-1")
	if last["last_snapshot"] != snap.Image {
		t.Fatalf("снимок не сохранён: %v", last)
	}
	if _, ok := last["status"]; ok {
		t.Fatal("снимок не должен менять статус")
	}
}

func TestSnapshotWithoutSurface(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")
	c.shotErr = engine.ErrNoSurface

	if _, err := m.CaptureSnapshot(context.Background(), "acc-1", 0); !errors.Is(err, engine.ErrNoSurface) {
		t.Fatalf("ожидали ErrNoSurface, получили %v", err)
	}
}

func TestSendMessageNormalizesRecipient(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")

	if err := m.SendMessage(context.Background(), "acc-1", "+7 (999) 000-11-22", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := m.SendMessage(context.Background(), "acc-1", "12345-678@g.us", "group"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	want := []string{"79990001122@c.us|hi", "12345-678@g.us|group"}
	if fmt.Sprint(c.sent) != fmt.Sprint(want) {
		t.Fatalf("ожидали %v, получили %v", want, c.sent)
	}
}

func TestSendMessageRequiresReady(t *testing.T) {
	m, _, _, _ := newTestManager(Config{})
	if err := m.SendMessage(context.Background(), "acc-1", "1", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ожидали ErrSessionNotFound, получили %v", err)
	}
	if _, err := m.Initialize(context.Background(), "acc-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.SendMessage(context.Background(), "acc-1", "1", "x"); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("ожидали ErrSessionNotReady, получили %v", err)
	}
}

func TestRestoreAllContinuesAfterFailure(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	d.initErrs["b"] = errors.New("boom")

	report := m.RestoreAll(context.Background(), []models.Account{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if report.Restored != 2 || len(report.Failed) != 1 || report.Failed[0] != "b" {
		t.Fatalf("неожиданный отчёт %+v", report)
	}
	if m.GetSessionState("c") != Connecting {
		t.Fatal("третий аккаунт не восстановлен")
	}
}

func TestUpdateWebhookKeepsStatus(t *testing.T) {
	m, d, st, r := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")
	m.wait()
	before := len(st.statuses("acc-1"))

	if err := m.UpdateWebhook("acc-1", "http://new.example/hook"); err != nil {
		t.Fatalf("UpdateWebhook: %v", err)
	}
	c.events.OnMessage(engine.Message{Body: "ping"})
	m.wait()

	if m.GetSessionState("acc-1") != Ready {
		t.Fatal("статус изменился")
	}
	if id, _ := m.sessions["acc-1"].Identity(); id.Phone != "79990001122" {
		t.Fatalf("номер изменился: %q", id.Phone)
	}
	if len(st.statuses("acc-1")) != before {
		t.Fatal("обновление webhook не должно сохранять статус")
	}
	if len(r.msgs) != 1 || r.msgs[0].url != "http://new.example/hook" {
		t.Fatalf("сообщение ушло не туда: %+v", r.msgs)
	}

	if err := m.UpdateWebhook("missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ожидали ErrSessionNotFound, получили %v", err)
	}
}

func TestMessagesForwardedInOrder(t *testing.T) {
	m, d, _, r := newTestManager(Config{})
	if _, err := m.Initialize(context.Background(), "acc-1", "http://hook"); err != nil {
		t.Fatal(err)
	}
	c := d.client(t, "acc-1")
	for i := 0; i < 20; i++ {
		c.events.OnMessage(engine.Message{Body: fmt.Sprint(i)})
	}
	m.wait()

	if len(r.msgs) != 20 {
		t.Fatalf("переслано %d сообщений", len(r.msgs))
	}
	for i, f := range r.msgs {
		if f.body != fmt.Sprint(i) {
			t.Fatalf("нарушен порядок на позиции %d: %q", i, f.body)
		}
	}
}

func TestMessageWithoutWebhookIsDropped(t *testing.T) {
	m, d, _, r := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")
	c.events.OnMessage(engine.Message{Body: "x"})
	m.wait()
	if len(r.msgs) != 0 {
		t.Fatalf("без webhook ничего не пересылается, получили %+v", r.msgs)
	}
}

func TestDisconnectRemovesHandle(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")

	c.events.OnDisconnected("LOGOUT")
	if m.GetSessionState("acc-1") != NotInitialized {
		t.Fatal("хэндл остался после отключения")
	}
	m.wait()
	if c.destroyCalls.Load() != 1 {
		t.Fatal("клиент не освобождён после отключения")
	}
	if last := st.last("acc-1"); last["status"] != models.StatusDisconnected {
		t.Fatalf("последний статус %v", last["status"])
	}
	if got := m.Stats().Snapshot().Disconnects; got != 1 {
		t.Fatalf("Disconnects = %d", got)
	}

	// Повторное событие того же хэндла игнорируется.
	c.events.OnDisconnected("again")
	if got := m.Stats().Snapshot().Disconnects; got != 1 {
		t.Fatalf("повторное отключение посчитано: %d", got)
	}
}

func TestAuthFailureRecordsIncident(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	if _, err := m.Initialize(context.Background(), "acc-1", ""); err != nil {
		t.Fatal(err)
	}
	d.client(t, "acc-1").events.OnAuthFailure("restore rejected")
	m.wait()

	if m.GetSessionState("acc-1") != NotInitialized {
		t.Fatal("хэндл остался после ошибки авторизации")
	}
	if len(st.sos) != 1 || !strings.Contains(st.sos[0], "restore rejected") {
		t.Fatalf("инцидент не записан: %v", st.sos)
	}
	if got := m.Stats().Snapshot().AuthFailures; got != 1 {
		t.Fatalf("AuthFailures = %d", got)
	}
}

func TestCapacityIsEnforced(t *testing.T) {
	m, d, _, _ := newTestManager(Config{MaxAccounts: 2})
	for _, id := range []string{"a", "b"} {
		if err := m.CheckCapacity(); err != nil {
			t.Fatalf("CheckCapacity до лимита: %v", err)
		}
		if _, err := m.CreateSession(context.Background(), id, ""); err != nil {
			t.Fatalf("CreateSession(%s): %v", id, err)
		}
	}
	if err := m.CheckCapacity(); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("ожидали ErrCapacityExceeded, получили %v", err)
	}
	if _, err := m.CreateSession(context.Background(), "c", ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("ожидали ErrCapacityExceeded, получили %v", err)
	}
	if n := d.newCalls.Load(); n != 2 {
		t.Fatalf("создано клиентов: %d", n)
	}
	// Существующий аккаунт возвращается и при заполненном лимите.
	if _, err := m.CreateSession(context.Background(), "a", ""); err != nil {
		t.Fatalf("повторный CreateSession: %v", err)
	}
}

func TestDuplicatePhoneIsReported(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	readySession(t, m, d, "a")
	readySession(t, m, d, "b")
	m.wait()

	if m.GetSessionState("a") != Ready || m.GetSessionState("b") != Ready {
		t.Fatal("обе сессии должны оставаться готовыми")
	}
	if len(st.sos) != 1 || !strings.HasPrefix(st.sos[0], "b: ") {
		t.Fatalf("ожидали один инцидент по второму аккаунту: %v", st.sos)
	}
}

func TestPersistenceFailureIsCounted(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	st.err = errors.New("db down")
	readySession(t, m, d, "acc-1")
	m.wait()

	if got := m.Stats().Snapshot().PersistenceFailures; got != 2 {
		t.Fatalf("PersistenceFailures = %d", got)
	}
	if m.GetSessionState("acc-1") != Ready {
		t.Fatal("сбой хранилища не должен влиять на живое состояние")
	}

	st.err = storage.ErrAccountNotFound
	c := d.client(t, "acc-1")
	c.events.OnDisconnected("x")
	m.wait()
	if got := m.Stats().Snapshot().PersistenceFailures; got != 2 {
		t.Fatalf("удалённая запись не считается сбоем: %d", got)
	}
}

func TestForgetPurgesAuth(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	readySession(t, m, d, "acc-1")

	if err := m.Forget(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if len(d.purged) != 1 || d.purged[0] != "acc-1" {
		t.Fatalf("авторизация не удалена: %v", d.purged)
	}
}

func TestCloseDestroysClients(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")
	m.wait()
	before := len(st.statuses("acc-1"))

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.destroyCalls.Load() != 1 {
		t.Fatal("клиент не закрыт")
	}
	if len(st.statuses("acc-1")) != before {
		t.Fatal("Close не должен менять сохранённый статус")
	}
	if _, err := m.Initialize(context.Background(), "acc-2", ""); !errors.Is(err, ErrLaunch) {
		t.Fatalf("после Close ожидали ErrLaunch, получили %v", err)
	}
}

func TestStartSessionLaunchesInBackground(t *testing.T) {
	m, d, _, _ := newTestManager(Config{MaxAccounts: 1})
	gate := make(chan struct{})
	d.initGate = gate

	if _, err := m.StartSession("acc-1", ""); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if m.GetSessionState("acc-1") != Connecting {
		t.Fatal("место под аккаунт должно быть занято сразу")
	}
	if _, err := m.StartSession("acc-2", ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("ожидали ErrCapacityExceeded, получили %v", err)
	}
	close(gate)
	m.wait()
	if n := d.client(t, "acc-1").initCalls.Load(); n != 1 {
		t.Fatalf("Initialize вызван %d раз", n)
	}
}

// waitFor ждёт выполнения условия, пока работают фоновые горутины.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("не дождались: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitDone проверяет, что фоновые задачи завершаются без открытия initGate.
func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		m.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("запуск движка не прерван")
	}
}

func TestStartSessionFailureMarksDisconnected(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	d.initErrs["acc-1"] = errors.New("browser crashed")

	if _, err := m.StartSession("acc-1", ""); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	m.wait()

	if m.GetSessionState("acc-1") != NotInitialized {
		t.Fatal("хэндл остался после сбоя запуска")
	}
	got := st.statuses("acc-1")
	if len(got) != 1 || got[0] != models.StatusDisconnected {
		t.Fatalf("ожидали сохранённый DISCONNECTED, получили %v", got)
	}
	if last := st.last("acc-1"); last["qr_code"] != nil {
		t.Fatalf("qr_code должен сбрасываться: %v", last)
	}
	if n := m.Stats().Snapshot().LaunchFailures; n != 1 {
		t.Fatalf("LaunchFailures = %d", n)
	}
}

func TestDestroyAbandonsPendingLaunch(t *testing.T) {
	m, d, st, _ := newTestManager(Config{})
	d.initGate = make(chan struct{})

	if _, err := m.StartSession("acc-1", ""); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "Initialize клиента", func() bool {
		d.mu.Lock()
		c, ok := d.clients["acc-1"]
		d.mu.Unlock()
		return ok && c.initCalls.Load() == 1
	})

	if err := m.Destroy(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	waitDone(t, m)

	if n := d.client(t, "acc-1").destroyCalls.Load(); n == 0 {
		t.Fatal("брошенный клиент не закрыт")
	}
	if n := m.Stats().Snapshot().LaunchFailures; n != 0 {
		t.Fatalf("отмена запуска не сбой: LaunchFailures = %d", n)
	}
	got := st.statuses("acc-1")
	if len(got) != 1 || got[0] != models.StatusDisconnected {
		t.Fatalf("ожидали один DISCONNECTED от Destroy, получили %v", got)
	}
}

func TestCloseAbandonsPendingLaunch(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	d.initGate = make(chan struct{})

	if _, err := m.StartSession("acc-1", ""); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "создание клиента", func() bool { return d.newCalls.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := d.client(t, "acc-1").destroyCalls.Load(); n == 0 {
		t.Fatal("клиент не закрыт")
	}
}

func TestCloseWithConcurrentEvents(t *testing.T) {
	m, d, _, _ := newTestManager(Config{})
	c := readySession(t, m, d, "acc-1")
	if err := m.UpdateWebhook("acc-1", "http://hook"); err != nil {
		t.Fatalf("UpdateWebhook: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				m.persistAsync("acc-1", map[string]any{"last_seen": time.Now()})
				m.saveSosAsync("acc-1", fmt.Sprintf("event %d", i))
				c.events.OnMessage(engine.Message{Body: "ping"})
			}
		}(i)
	}
	time.Sleep(10 * time.Millisecond)

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(stop)
	wg.Wait()

	if m.tasks.add() {
		t.Fatal("после Close фоновые задачи не должны приниматься")
	}
}
