// Package sessions управляет жизненным циклом сессий аккаунтов:
// создание клиента движка, обработка событий привязки, отправка сообщений,
// снимки экрана и сохранение состояния в хранилище.
//
// На один аккаунт в процессе существует не больше одного хэндла.
// Хэндл попадает в таблицу до инициализации движка, поэтому параллельные
// вызовы Initialize для одного аккаунта создают ровно одного клиента.
// События от хэндла, которого уже нет в таблице, игнорируются.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"wsm_go/internal/common"
	"wsm_go/models"
	"wsm_go/pkg/engine"
	"wsm_go/pkg/storage"
)

// Store описывает операции хранилища записей, нужные менеджеру.
type Store interface {
	UpdateAccountFields(ctx context.Context, id string, fields map[string]any) error
	SaveSos(ctx context.Context, accountID, msg string) error
}

// Forwarder пересылает входящее сообщение на webhook аккаунта.
// Ошибки доставки обрабатываются внутри и наружу не выходят.
type Forwarder interface {
	Forward(ctx context.Context, accountID, url string, msg engine.Message)
}

type Config struct {
	MaxAccounts      int
	InitTimeout      time.Duration
	SendTimeout      time.Duration
	SnapshotTimeout  time.Duration
	PersistTimeout   time.Duration
	DestroyTimeout   time.Duration
	SnapshotDelayMin time.Duration
	SnapshotDelayMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 120 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 30 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = 15 * time.Second
	}
	return c
}

// RestoreReport подводит итог восстановления сессий при старте.
type RestoreReport struct {
	Restored int
	Failed   []string
}

type Manager struct {
	driver engine.Driver
	store  Store
	relay  Forwarder
	cfg    Config
	stats  *Stats

	// tasks учитывает фоновые задачи: запуски, очереди и уничтожение клиентов.
	tasks   taskGroup
	persist *serial

	mu       sync.Mutex
	sessions map[string]*Session
	qrCodes  map[string]QRCode
	closed   bool
}

func NewManager(driver engine.Driver, store Store, relay Forwarder, cfg Config) *Manager {
	m := &Manager{
		driver:   driver,
		store:    store,
		relay:    relay,
		cfg:      cfg.withDefaults(),
		stats:    &Stats{},
		sessions: make(map[string]*Session),
		qrCodes:  make(map[string]QRCode),
	}
	m.persist = newSerial(&m.tasks)
	return m
}

func (m *Manager) Stats() *Stats { return m.stats }

// Capacity возвращает лимит одновременных аккаунтов (0 означает без лимита).
func (m *Manager) Capacity() int { return m.cfg.MaxAccounts }

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CheckCapacity проверяет лимит до создания записи аккаунта.
// Окончательную проверку при занятии места делают CreateSession и StartSession.
func (m *Manager) CheckCapacity() error {
	if m.cfg.MaxAccounts > 0 && m.ActiveCount() >= m.cfg.MaxAccounts {
		return ErrCapacityExceeded
	}
	return nil
}

// Get возвращает текущий хэндл аккаунта.
func (m *Manager) Get(accountID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// ReadyAccounts возвращает идентификаторы аккаунтов в состоянии READY.
func (m *Manager) ReadyAccounts() []string {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(list))
	for _, s := range list {
		if s.State() == StateReady {
			ids = append(ids, s.AccountID)
		}
	}
	return ids
}

// Initialize создаёт сессию аккаунта или возвращает уже существующую.
// Возвращается, когда движок запущен; привязка идёт дальше событиями.
func (m *Manager) Initialize(ctx context.Context, accountID, webhookURL string) (*Session, error) {
	s, existed, err := m.reserve(accountID, webhookURL, 0)
	if err != nil || existed {
		return s, err
	}
	if err := m.launch(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSession — Initialize с атомарной проверкой лимита аккаунтов.
func (m *Manager) CreateSession(ctx context.Context, accountID, webhookURL string) (*Session, error) {
	s, existed, err := m.reserve(accountID, webhookURL, m.cfg.MaxAccounts)
	if err != nil || existed {
		return s, err
	}
	if err := m.launch(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// StartSession занимает место под аккаунт с проверкой лимита и запускает
// движок в фоне. Сбой запуска сохраняется в запись как DISCONNECTED.
func (m *Manager) StartSession(accountID, webhookURL string) (*Session, error) {
	s, existed, err := m.reserve(accountID, webhookURL, m.cfg.MaxAccounts)
	if err != nil || existed {
		return s, err
	}
	started := m.tasks.spawn(func() {
		if err := m.launch(context.Background(), s); err != nil {
			log.Printf("[SESSIONS ERROR] Фоновый запуск аккаунта %s: %v", accountID, err)
		}
	})
	if !started {
		m.abort(s)
		return nil, fmt.Errorf("%w: manager is closed", ErrLaunch)
	}
	return s, nil
}

// reserve ставит новый хэндл в таблицу до запуска движка.
// existed == true, если у аккаунта уже есть хэндл.
func (m *Manager) reserve(accountID, webhookURL string, limit int) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, fmt.Errorf("%w: manager is closed", ErrLaunch)
	}
	if s, ok := m.sessions[accountID]; ok {
		log.Printf("[SESSIONS] Аккаунт %s уже инициализирован (%s)", accountID, s.State())
		return s, true, nil
	}
	if limit > 0 && len(m.sessions) >= limit {
		return nil, false, ErrCapacityExceeded
	}
	s := newSession(accountID, webhookURL, &m.tasks)
	m.sessions[accountID] = s
	return s, false, nil
}

// launch поднимает движок для зарезервированного хэндла. Сбой снимает хэндл
// и сохраняет DISCONNECTED, чтобы запись не осталась в INIT.
// Destroy и Close прерывают запуск через контекст.
func (m *Manager) launch(ctx context.Context, s *Session) error {
	accountID := s.AccountID
	log.Printf("[SESSIONS] Инициализация сессии аккаунта %s (%s)", accountID, m.driver.Name())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setLaunchCancel(cancel)

	client, err := m.driver.NewClient(accountID, m.events(s))
	if err != nil {
		if m.abort(s) {
			m.launchFailed(accountID)
		}
		log.Printf("[SESSIONS ERROR] Не удалось создать клиента аккаунта %s: %v", accountID, err)
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	s.setClient(client)

	// Destroy мог прийти, пока клиент создавался.
	if !m.isCurrent(s) {
		m.destroyClientAsync(accountID, client)
		return fmt.Errorf("%w: session %s was destroyed during initialization", ErrSessionNotFound, accountID)
	}

	initCtx, initCancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	err = client.Initialize(initCtx)
	initCancel()
	if err != nil {
		m.destroyClientAsync(accountID, client)
		if !m.abort(s) {
			return fmt.Errorf("%w: session %s was destroyed during initialization", ErrSessionNotFound, accountID)
		}
		m.launchFailed(accountID)
		log.Printf("[SESSIONS ERROR] Инициализация аккаунта %s не удалась: %v", accountID, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: initialization timed out after %s", ErrLaunch, m.cfg.InitTimeout)
		}
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	if !m.isCurrent(s) {
		m.destroyClientAsync(accountID, client)
		return fmt.Errorf("%w: session %s was destroyed during initialization", ErrSessionNotFound, accountID)
	}

	log.Printf("[SESSIONS] Клиент аккаунта %s запущен", accountID)
	return nil
}

func (m *Manager) launchFailed(accountID string) {
	m.stats.launchFailures.Add(1)
	m.persistAsync(accountID, map[string]any{
		"status":  models.StatusDisconnected,
		"qr_code": nil,
	})
}

// abort убирает хэндл, если он всё ещё текущий.
func (m *Manager) abort(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.AccountID] != s {
		return false
	}
	delete(m.sessions, s.AccountID)
	delete(m.qrCodes, s.AccountID)
	return true
}

func (m *Manager) isCurrent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.AccountID] == s
}

// RestoreAll поднимает сессии для всех записей по очереди.
// Сбой одного аккаунта не мешает остальным.
func (m *Manager) RestoreAll(ctx context.Context, accounts []models.Account) RestoreReport {
	var report RestoreReport
	log.Printf("[SESSIONS] Восстановление %d сессий", len(accounts))
	for _, acc := range accounts {
		if ctx.Err() != nil {
			report.Failed = append(report.Failed, acc.ID)
			continue
		}
		if _, err := m.Initialize(ctx, acc.ID, acc.Webhook()); err != nil {
			log.Printf("[SESSIONS ERROR] Не удалось восстановить сессию %s (%s): %v", acc.ID, acc.Name, err)
			report.Failed = append(report.Failed, acc.ID)
			continue
		}
		report.Restored++
	}
	log.Printf("[SESSIONS] Восстановлено %d из %d сессий", report.Restored, len(accounts))
	return report
}

// GetSessionState сообщает, есть ли у аккаунта сессия и готова ли она.
func (m *Manager) GetSessionState(accountID string) SessionState {
	s, ok := m.Get(accountID)
	if !ok {
		return NotInitialized
	}
	if s.State() == StateReady {
		return Ready
	}
	return Connecting
}

// GetPairingImage возвращает последний QR-код аккаунта, если сессия ждёт привязки.
func (m *Manager) GetPairingImage(accountID string) (QRCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qr, ok := m.qrCodes[accountID]
	if !ok {
		return QRCode{}, false
	}
	s, ok := m.sessions[accountID]
	if !ok || s.State() != StateQR {
		return QRCode{}, false
	}
	return qr, true
}

// UpdateWebhook меняет адрес пересылки живой сессии. Статус и номер не трогаются.
func (m *Manager) UpdateWebhook(accountID, url string) error {
	s, ok := m.Get(accountID)
	if !ok {
		return ErrSessionNotFound
	}
	s.setWebhookURL(url)
	log.Printf("[SESSIONS] Webhook аккаунта %s обновлён", accountID)
	return nil
}

func (m *Manager) readySession(accountID string) (*Session, engine.Client, error) {
	s, ok := m.Get(accountID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	client := s.engineClient()
	if s.State() != StateReady || client == nil {
		return nil, nil, ErrSessionNotReady
	}
	return s, client, nil
}

// SendMessage отправляет текст от имени аккаунта. Получатель без домена
// считается номером телефона и дополняется доменом сети.
func (m *Manager) SendMessage(ctx context.Context, accountID, to, body string) error {
	_, client, err := m.readySession(accountID)
	if err != nil {
		return err
	}
	chatID := engine.NormalizeChatID(to, m.driver.DefaultDomain())
	if chatID == "" {
		return ErrInvalidRecipient
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := client.SendMessage(sendCtx, chatID, body); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: send timed out after %s", ErrSessionNotReady, m.cfg.SendTimeout)
		}
		return fmt.Errorf("send message from %s: %w", accountID, err)
	}
	log.Printf("[SESSIONS] Сообщение от %s отправлено в %s", accountID, chatID)
	return nil
}

// SnapshotDelay выбирает случайную паузу перед снимком, чтобы экран успел отрисоваться.
func (m *Manager) SnapshotDelay() time.Duration {
	return common.RandomDuration(m.cfg.SnapshotDelayMin, m.cfg.SnapshotDelayMax)
}

// CaptureSnapshot снимает экран готовой сессии после паузы delay
// и сохраняет снимок в запись аккаунта.
func (m *Manager) CaptureSnapshot(ctx context.Context, accountID string, delay time.Duration) (Snapshot, error) {
	if _, _, err := m.readySession(accountID); err != nil {
		return Snapshot{}, err
	}
	if err := common.WaitWithCancellation(ctx, delay); err != nil {
		return Snapshot{}, err
	}
	// За время паузы сессия могла отключиться.
	_, client, err := m.readySession(accountID)
	if err != nil {
		return Snapshot{}, err
	}

	shotCtx, cancel := context.WithTimeout(ctx, m.cfg.SnapshotTimeout)
	defer cancel()
	png, err := client.Screenshot(shotCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Snapshot{}, fmt.Errorf("%w: snapshot timed out after %s", ErrSessionNotReady, m.cfg.SnapshotTimeout)
		}
		return Snapshot{}, err
	}

	snap := Snapshot{
		Image:     engine.PNGDataURL(png),
		Timestamp: time.Now().UTC(),
	}
	m.persistAsync(accountID, map[string]any{
		"last_snapshot":      snap.Image,
		"snapshot_timestamp": snap.Timestamp,
	})
	log.Printf("[SESSIONS] Снимок аккаунта %s: %d KB", accountID, len(png)/1024)
	return snap, nil
}

// Destroy закрывает сессию аккаунта. Отсутствие сессии не ошибка.
func (m *Manager) Destroy(ctx context.Context, accountID string) error {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, accountID)
	delete(m.qrCodes, accountID)
	m.mu.Unlock()

	s.stopLaunch()
	s.setState(StateDisconnected)
	m.persistAsync(accountID, map[string]any{
		"status":       models.StatusDisconnected,
		"phone_number": nil,
		"qr_code":      nil,
	})

	client := s.engineClient()
	if client == nil {
		// Клиент ещё создаётся, его закроет launch.
		return nil
	}
	destroyCtx, cancel := context.WithTimeout(ctx, m.cfg.DestroyTimeout)
	defer cancel()
	if err := client.Destroy(destroyCtx); err != nil {
		log.Printf("[SESSIONS ERROR] Ошибка закрытия сессии %s: %v", accountID, err)
		return fmt.Errorf("destroy session %s: %w", accountID, err)
	}
	log.Printf("[SESSIONS] Сессия %s закрыта", accountID)
	return nil
}

// Forget закрывает сессию и удаляет сохранённую авторизацию.
// Следующая инициализация начнётся с привязки по QR.
func (m *Manager) Forget(ctx context.Context, accountID string) error {
	destroyErr := m.Destroy(ctx, accountID)
	if err := m.driver.PurgeAuth(ctx, accountID); err != nil {
		return fmt.Errorf("purge auth of %s: %w", accountID, err)
	}
	return destroyErr
}

// Close закрывает все сессии без изменения их статуса в хранилище
// и ждёт завершения фоновых задач.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.qrCodes = make(map[string]QRCode)
	m.mu.Unlock()

	for _, s := range list {
		s.stopLaunch()
		if client := s.engineClient(); client != nil {
			m.destroyClientAsync(s.AccountID, client)
		}
	}
	m.tasks.close()

	done := make(chan struct{})
	go func() {
		m.tasks.wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait дожидается всех фоновых задач.
func (m *Manager) wait() {
	m.tasks.wait()
}

func (m *Manager) persistAsync(accountID string, fields map[string]any) {
	m.persist.Enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		defer cancel()
		err := m.store.UpdateAccountFields(ctx, accountID, fields)
		if err == nil {
			return
		}
		if errors.Is(err, storage.ErrAccountNotFound) {
			log.Printf("[SESSIONS] Запись аккаунта %s уже удалена, состояние не сохранено", accountID)
			return
		}
		m.stats.persistenceFailures.Add(1)
		log.Printf("[SESSIONS ERROR] PersistenceFailure аккаунта %s: %v", accountID, err)
	})
}

func (m *Manager) saveSosAsync(accountID, msg string) {
	m.tasks.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		defer cancel()
		if err := m.store.SaveSos(ctx, accountID, msg); err != nil {
			log.Printf("[SESSIONS ERROR] Не удалось записать инцидент аккаунта %s: %v", accountID, err)
		}
	})
}

func (m *Manager) destroyClientAsync(accountID string, client engine.Client) {
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DestroyTimeout)
		defer cancel()
		if err := client.Destroy(ctx); err != nil {
			log.Printf("[SESSIONS ERROR] Ошибка освобождения клиента %s: %v", accountID, err)
		}
	}
	// После Close фоновые задачи не принимаются, клиент закрываем сразу.
	if !m.tasks.spawn(release) {
		release()
	}
}
