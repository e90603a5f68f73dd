package accounts

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"wsm_go/internal/httputil"
	"wsm_go/models"
	"wsm_go/pkg/engine"
	"wsm_go/pkg/sessions"
	"wsm_go/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Store описывает операции с записями аккаунтов, которые нужны маршрутам.
type Store interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	CreateAccount(ctx context.Context, account models.Account) (*models.Account, error)
	UpdateAccountFields(ctx context.Context, id string, fields map[string]any) error
	DeleteAccount(ctx context.Context, id string) error
	ListSos(ctx context.Context, accountID string, limit int) ([]models.Sos, error)
}

type Handler struct {
	Store    Store
	Sessions *sessions.Manager
}

func NewHandler(store Store, mgr *sessions.Manager) *Handler {
	return &Handler{Store: store, Sessions: mgr}
}

// accountView дополняет запись живым состоянием сессии.
type accountView struct {
	*models.Account
	SessionState sessions.SessionState `json:"session_state"`
}

func (h *Handler) List(c *gin.Context) {
	list, err := h.Store.GetAccounts(c.Request.Context())
	if err != nil {
		log.Printf("[API] Ошибка получения аккаунтов: %v", err)
		httputil.RespondError(c, http.StatusInternalServerError, "Failed to fetch accounts")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Create(c *gin.Context) {
	var input struct {
		Name       string `json:"name"`
		WebhookURL string `json:"webhook_url"`
	}
	if err := c.ShouldBindJSON(&input); err != nil || input.Name == "" {
		httputil.RespondError(c, http.StatusBadRequest, "Account name is required")
		return
	}
	if err := h.Sessions.CheckCapacity(); err != nil {
		h.respondLimit(c)
		return
	}

	account := models.Account{
		ID:     uuid.NewString(),
		Name:   input.Name,
		Status: models.StatusInit,
	}
	if input.WebhookURL != "" {
		account.WebhookURL = &input.WebhookURL
	}
	ctx := c.Request.Context()
	created, err := h.Store.CreateAccount(ctx, account)
	if err != nil {
		log.Printf("[API] Ошибка создания аккаунта: %v", err)
		httputil.RespondError(c, http.StatusInternalServerError, "Failed to create account")
		return
	}

	// Повторная проверка лимита атомарна с занятием места
	if _, err := h.Sessions.StartSession(created.ID, created.Webhook()); err != nil {
		if derr := h.Store.DeleteAccount(ctx, created.ID); derr != nil {
			log.Printf("[API] Не удалось удалить аккаунт %s после отказа: %v", created.ID, derr)
		}
		if errors.Is(err, sessions.ErrCapacityExceeded) {
			log.Printf("[API] Создание аккаунта отклонено: достигнут лимит %d", h.Sessions.Capacity())
			h.respondLimit(c)
			return
		}
		log.Printf("[API] Не удалось запустить сессию %s: %v", created.ID, err)
		httputil.RespondError(c, http.StatusInternalServerError, "Failed to initialize session")
		return
	}

	log.Printf("[API] Аккаунт %s (%s) создан", created.ID, created.Name)
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) respondLimit(c *gin.Context) {
	httputil.RespondErrorCode(c, http.StatusTooManyRequests, "Maximum account limit reached", "MAX_ACCOUNT_LIMIT_REACHED", gin.H{
		"current": h.Sessions.ActiveCount(),
		"max":     h.Sessions.Capacity(),
	})
}

func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	account, err := h.Store.GetAccountByID(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err, "Failed to fetch account")
		return
	}
	c.JSON(http.StatusOK, accountView{Account: account, SessionState: h.Sessions.GetSessionState(id)})
}

func (h *Handler) QR(c *gin.Context) {
	qr, ok := h.Sessions.GetPairingImage(c.Param("id"))
	if !ok {
		httputil.RespondError(c, http.StatusNotFound, "QR code not available")
		return
	}
	c.JSON(http.StatusOK, qr)
}

// UpdateWebhook меняет адрес пересылки без перезапуска сессии.
func (h *Handler) UpdateWebhook(c *gin.Context) {
	var input struct {
		WebhookURL string `json:"webhook_url"`
	}
	if err := c.ShouldBindJSON(&input); err != nil || input.WebhookURL == "" {
		httputil.RespondError(c, http.StatusBadRequest, "Webhook URL is required")
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()
	if err := h.Store.UpdateAccountFields(ctx, id, map[string]any{"webhook_url": input.WebhookURL}); err != nil {
		h.respondStoreError(c, err, "Failed to update webhook")
		return
	}
	if err := h.Sessions.UpdateWebhook(id, input.WebhookURL); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		log.Printf("[API] Ошибка обновления webhook сессии %s: %v", id, err)
	}

	account, err := h.Store.GetAccountByID(ctx, id)
	if err != nil {
		h.respondStoreError(c, err, "Failed to update webhook")
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) Snapshot(c *gin.Context) {
	id := c.Param("id")
	switch h.Sessions.GetSessionState(id) {
	case sessions.NotInitialized:
		httputil.RespondError(c, http.StatusNotFound, "Account not found or not initialized")
		return
	case sessions.Connecting:
		httputil.RespondError(c, http.StatusBadRequest, "Account not ready")
		return
	}

	delay := h.Sessions.SnapshotDelay()
	log.Printf("[SNAPSHOT] %s: пауза %.1fs", id, delay.Seconds())
	snap, err := h.Sessions.CaptureSnapshot(c.Request.Context(), id, delay)
	if err != nil {
		log.Printf("[API] Ошибка снимка %s: %v", id, err)
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Send(c *gin.Context) {
	var input struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&input); err != nil || input.To == "" || input.Message == "" {
		httputil.RespondError(c, http.StatusBadRequest, `Both "to" and "message" are required`)
		return
	}
	if err := h.Sessions.SendMessage(c.Request.Context(), c.Param("id"), input.To, input.Message); err != nil {
		log.Printf("[API] Ошибка отправки от %s: %v", c.Param("id"), err)
		respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message sent"})
}

// Delete закрывает сессию, удаляет сохранённую авторизацию и запись.
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if err := h.Sessions.Forget(ctx, id); err != nil {
		log.Printf("[API] Ошибка закрытия сессии %s: %v", id, err)
	}
	if err := h.Store.DeleteAccount(ctx, id); err != nil {
		h.respondStoreError(c, err, "Failed to delete account")
		return
	}
	log.Printf("[API] Аккаунт %s удалён", id)
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted successfully"})
}

// Incidents отдаёт журнал инцидентов аккаунта (потеря авторизации, повтор номера).
func (h *Handler) Incidents(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.Store.GetAccountByID(ctx, id); err != nil {
		h.respondStoreError(c, err, "Failed to fetch incidents")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		httputil.RespondError(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	list, err := h.Store.ListSos(ctx, id, limit)
	if err != nil {
		h.respondStoreError(c, err, "Failed to fetch incidents")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":   h.Sessions.ActiveCount(),
		"ready":    len(h.Sessions.ReadyAccounts()),
		"capacity": h.Sessions.Capacity(),
		"counters": h.Sessions.Stats().Snapshot(),
	})
}

func (h *Handler) respondStoreError(c *gin.Context, err error, msg string) {
	if errors.Is(err, storage.ErrAccountNotFound) {
		httputil.RespondError(c, http.StatusNotFound, "Account not found")
		return
	}
	log.Printf("[API] %s: %v", msg, err)
	httputil.RespondError(c, http.StatusInternalServerError, msg)
}

func respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		httputil.RespondError(c, http.StatusNotFound, "Account not found or not initialized")
	case errors.Is(err, sessions.ErrSessionNotReady):
		httputil.RespondError(c, http.StatusBadRequest, "Account not ready")
	case errors.Is(err, sessions.ErrInvalidRecipient):
		httputil.RespondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoSurface):
		httputil.RespondError(c, http.StatusNotImplemented, "Snapshots are not supported by this engine")
	case errors.Is(err, context.Canceled):
		httputil.RespondError(c, http.StatusServiceUnavailable, "Request cancelled")
	default:
		httputil.RespondError(c, http.StatusInternalServerError, err.Error())
	}
}
