package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/luminagen/genbot/internal/models"
	"github.com/luminagen/genbot/internal/service"
	"github.com/luminagen/genbot/internal/settings"
	"github.com/luminagen/genbot/internal/storage"
)

// Server exposes the credit and generation operations over HTTP: public
// endpoints for the workflow, a basic-auth admin group for operator actions.
type Server struct {
	addr        string
	username    string
	password    string
	log         *slog.Logger
	users       *service.UserService
	credits     *service.CreditService
	generations *service.GenerationService
	catalog     *service.CatalogService
	settings    *settings.Store
	uploader    *storage.Uploader
	bot         *tgbotapi.BotAPI
	router      *chi.Mux
}

// NewServer wires the routes. uploader and bot may be nil; reference
// mirroring and broadcast are then disabled.
func NewServer(addr, username, password string, log *slog.Logger,
	users *service.UserService, credits *service.CreditService,
	generations *service.GenerationService, catalog *service.CatalogService,
	st *settings.Store, uploader *storage.Uploader, bot *tgbotapi.BotAPI) *Server {

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        addr,
		username:    username,
		password:    password,
		log:         log,
		users:       users,
		credits:     credits,
		generations: generations,
		catalog:     catalog,
		settings:    st,
		uploader:    uploader,
		bot:         bot,
		router:      r,
	}

	r.Post("/generations", s.handleSubmitGeneration)
	r.Get("/generations/{publicID}", s.handleGenerationStatus)
	r.Get("/users/{telegramID}/balance", s.handleBalance)
	r.Get("/users/{telegramID}/ledger", s.handleLedger)
	r.Post("/payments/confirm", s.handleConfirmPayment)
	r.Post("/referrals/apply", s.handleApplyReferral)
	r.Get("/models", s.handleListModels)

	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/admin", func(r chi.Router) {
			r.Post("/credits", s.handleAdminCredit)
			r.Post("/promo-credits", s.handlePromoCredit)
			r.Post("/users/{telegramID}/ban", s.handleBan(true))
			r.Post("/users/{telegramID}/unban", s.handleBan(false))
			r.Post("/models", s.handleCreateModel)
			r.Post("/models/{key}/price", s.handleSetPrice)
			r.Post("/models/{key}/activate", s.handleSetModelActive(true))
			r.Post("/models/{key}/deactivate", s.handleSetModelActive(false))
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings/{key}", s.handlePutSetting)
			r.Post("/generations/{publicID}/cancel", s.handleCancelGeneration)
			r.Post("/broadcast", s.handleBroadcast)
		})
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps the service taxonomy to HTTP. Provider failures surface
// generically; the detail is already logged with the refund.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", err.Error()})
	case errors.Is(err, service.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{"insufficient_balance", "balance too low"})
	case errors.Is(err, service.ErrTooManyActive):
		writeJSON(w, http.StatusConflict, errorResponse{"too_many_active", "too many active generations"})
	case errors.Is(err, service.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{"busy", "another submission is in progress"})
	case errors.Is(err, service.ErrModelNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"model_not_found", err.Error()})
	case errors.Is(err, service.ErrModelInactive):
		writeJSON(w, http.StatusConflict, errorResponse{"model_inactive", err.Error()})
	case errors.Is(err, service.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"user_not_found", "user not found"})
	case errors.Is(err, service.ErrRequestNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"request_not_found", "generation request not found"})
	case errors.Is(err, service.ErrUserBanned):
		writeJSON(w, http.StatusForbidden, errorResponse{"user_banned", "user is banned"})
	case errors.Is(err, service.ErrProvider):
		writeJSON(w, http.StatusBadGateway, errorResponse{"provider_error", "generation failed, charge reversed"})
	default:
		s.log.Error("internal error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal_error", "internal error"})
	}
}

func telegramIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "telegramID"), 10, 64)
}

type submitRequest struct {
	UserID        int64    `json:"user_id"`
	Username      string   `json:"username"`
	FirstName     string   `json:"first_name"`
	LastName      string   `json:"last_name"`
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	Size          string   `json:"size"`
	AspectRatio   string   `json:"aspect_ratio"`
	Resolution    string   `json:"resolution"`
	Quality       string   `json:"quality"`
	Style         string   `json:"style"`
	ReferenceURLs []string `json:"reference_urls"`
}

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	if req.UserID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "user_id required"})
		return
	}

	if s.uploader != nil {
		mirrored := make([]string, 0, len(req.ReferenceURLs))
		for _, src := range req.ReferenceURLs {
			url, err := s.uploader.Mirror(r.Context(), src)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", fmt.Sprintf("reference image: %v", err)})
				return
			}
			mirrored = append(mirrored, url)
		}
		req.ReferenceURLs = mirrored
	}

	out, err := s.generations.Submit(r.Context(), service.SubmitInput{
		TelegramID:    req.UserID,
		Username:      req.Username,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		ModelKey:      req.Model,
		Prompt:        req.Prompt,
		Size:          req.Size,
		AspectRatio:   req.AspectRatio,
		Resolution:    req.Resolution,
		Quality:       req.Quality,
		Style:         req.Style,
		ReferenceURLs: req.ReferenceURLs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_public_id": out.RequestPublicID,
		"status":            out.Status,
		"cost":              out.Cost,
		"trial_used":        out.TrialUsed,
	})
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	out, err := s.generations.Status(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{
		"status":     out.Status,
		"cost":       out.Cost,
		"trial_used": out.TrialUsed,
	}
	if len(out.Results) > 0 {
		urls := make([]string, 0, len(out.Results))
		for _, res := range out.Results {
			urls = append(urls, res.URL)
		}
		resp["results"] = urls
	}
	if out.Error != "" {
		resp["error"] = out.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	telegramID, err := telegramIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid user id"})
		return
	}
	balance, err := s.credits.Balance(r.Context(), telegramID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	telegramID, err := telegramIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid user id"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.credits.History(r.Context(), telegramID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type entryResponse struct {
		Amount      int    `json:"amount"`
		Type        string `json:"type"`
		Reference   string `json:"reference,omitempty"`
		Description string `json:"description,omitempty"`
		CreatedAt   string `json:"created_at"`
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			Amount:      e.Amount,
			Type:        string(e.EntryType),
			Reference:   e.ReferenceID,
			Description: e.Description,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type confirmPaymentRequest struct {
	UserID   int64  `json:"user_id"`
	ChargeID string `json:"charge_id"`
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	result, err := s.credits.ConfirmPayment(r.Context(), req.UserID, req.ChargeID, req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credits_added": result.CreditsAdded,
		"balance":       result.Balance,
		"duplicate":     result.Duplicate,
	})
}

type applyReferralRequest struct {
	UserID int64  `json:"user_id"`
	Code   string `json:"code"`
}

func (s *Server) handleApplyReferral(w http.ResponseWriter, r *http.Request) {
	var req applyReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	user, _, err := s.users.Ensure(r.Context(), req.UserID, "", "", "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	linked, err := s.users.ApplyReferralCode(r.Context(), user.ID, strings.TrimSpace(req.Code))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"linked": linked})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

type adminCreditRequest struct {
	UserID      int64  `json:"user_id"`
	Amount      int    `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	var req adminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	balance, err := s.credits.AddAdminCredit(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Server) handlePromoCredit(w http.ResponseWriter, r *http.Request) {
	var req adminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	balance, err := s.credits.AddPromoCredit(r.Context(), req.UserID, req.Amount, req.Reference, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Server) handleBan(banned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		telegramID, err := telegramIDParam(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid user id"})
			return
		}
		if err := s.users.SetBanned(r.Context(), telegramID, banned); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"banned": banned})
	}
}

type createModelRequest struct {
	Key               string `json:"key"`
	DisplayName       string `json:"display_name"`
	Provider          string `json:"provider"`
	SupportsReference bool   `json:"supports_reference"`
	SupportsAspect    bool   `json:"supports_aspect"`
	SupportsStyle     bool   `json:"supports_style"`
	SupportsT2I       bool   `json:"supports_t2i"`
	SupportsI2I       bool   `json:"supports_i2i"`
	FlatCredits       int    `json:"flat_credits"`
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	m := models.CatalogModel{
		Key:               req.Key,
		DisplayName:       req.DisplayName,
		Provider:          req.Provider,
		SupportsReference: req.SupportsReference,
		SupportsAspect:    req.SupportsAspect,
		SupportsStyle:     req.SupportsStyle,
		SupportsT2I:       req.SupportsT2I,
		SupportsI2I:       req.SupportsI2I,
		IsActive:          true,
	}
	if err := s.catalog.Create(r.Context(), &m, req.FlatCredits); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credits int `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	price, err := s.catalog.SetPrice(r.Context(), chi.URLParam(r, "key"), req.Credits)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleSetModelActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.catalog.SetActive(r.Context(), chi.URLParam(r, "key"), active); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	// Read through the store so the admin sees the same values operations use.
	values := map[string]int{
		settings.KeyTrialLimit:         s.settings.TrialLimit(r.Context()),
		settings.KeyConcurrencyCap:     s.settings.ConcurrencyCap(r.Context()),
		settings.KeyPriceMarkup:        s.settings.PriceMarkup(r.Context()),
		settings.KeyReferralBonusPct:   s.settings.ReferralBonusPercent(r.Context()),
		settings.KeyCreditsPerStar:     s.settings.CreditsPerStar(r.Context()),
		settings.KeyMaxSubmitAttempts:  s.settings.MaxSubmitAttempts(r.Context()),
		settings.KeyProviderTimeoutSec: int(s.settings.ProviderTimeout(r.Context()) / time.Second),
		settings.KeyPollIntervalSec:    int(s.settings.PollInterval(r.Context()) / time.Second),
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value       string `json:"value"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	key := chi.URLParam(r, "key")
	if strings.TrimSpace(req.Value) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "value required"})
		return
	}
	if err := s.settings.Set(r.Context(), key, req.Value, req.Description); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: req.Value})
}

func (s *Server) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.generations.CancelByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.bot == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{"bot_unavailable", "bot is not configured"})
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "invalid json"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"validation_error", "message required"})
		return
	}

	ids, err := s.users.ListTelegramIDs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	count := 0
	for _, id := range ids {
		msg := tgbotapi.NewMessage(id, req.Message)
		if _, err := s.bot.Send(msg); err != nil {
			s.log.Warn("broadcast send failed", "telegram_id", id, "err", err)
			continue
		}
		count++
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": count})
}
