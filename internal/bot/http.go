package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"librarybot/internal/models"
	"librarybot/internal/storage"
)

// initDataMaxAge bounds how old a Mini App login may be
const initDataMaxAge = 24 * time.Hour

type ctxKey struct{}

// HTTPServer serves the read-only catalog API for the Telegram Mini App
type HTTPServer struct {
	store       storage.Storage
	token       string
	requireAuth bool // If false (polling mode), anonymous catalog reads are allowed for local dev
	logger      *zap.Logger
	now         func() time.Time
}

// NewHTTPServer creates the Mini App API. token is the bot token used to verify initData.
func NewHTTPServer(store storage.Storage, token string, requireAuth bool, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		store:       store,
		token:       token,
		requireAuth: requireAuth,
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterRoutes mounts the API under /api
func (hs *HTTPServer) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(hs.authMiddleware)
		r.Get("/languages", hs.handleLanguages)
		r.Get("/catalog/{language}/categories", hs.handleCategories)
		r.Get("/catalog/{language}/categories/{category}/books", hs.handleBooks)
		r.Get("/me/reservations", hs.handleMyReservations)
	})
}

type bookJSON struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Language string `json:"language"`
	Category string `json:"category"`
}

type reservationJSON struct {
	Number     int    `json:"number"`
	BookID     int    `json:"book_id"`
	BookTitle  string `json:"book_title"`
	PickupTime string `json:"pickup_time"`
}

// validateInitData checks the Telegram Mini App initData signature and returns the user ID
func validateInitData(initData, token string, now time.Time) (int64, error) {
	if initData == "" {
		return 0, fmt.Errorf("missing initData")
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return 0, fmt.Errorf("invalid initData format: %w", err)
	}

	hash := values.Get("hash")
	if hash == "" {
		return 0, fmt.Errorf("missing hash in initData")
	}
	values.Del("hash")

	// Create data-check-string
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dataCheckString strings.Builder
	for i, k := range keys {
		if i > 0 {
			dataCheckString.WriteByte('\n')
		}
		dataCheckString.WriteString(k)
		dataCheckString.WriteByte('=')
		dataCheckString.WriteString(values.Get(k))
	}

	if !hmac.Equal([]byte(signInitData(dataCheckString.String(), token)), []byte(hash)) {
		return 0, fmt.Errorf("invalid hash")
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("missing or invalid auth_date")
	}
	if now.Sub(time.Unix(authDate, 0)) > initDataMaxAge {
		return 0, fmt.Errorf("initData is too old")
	}

	var userData struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &userData); err != nil || userData.ID == 0 {
		return 0, fmt.Errorf("missing or invalid user data")
	}
	return userData.ID, nil
}

func signInitData(dataCheckString, token string) string {
	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(token))

	h := hmac.New(sha256.New, secretKey.Sum(nil))
	h.Write([]byte(dataCheckString))
	return hex.EncodeToString(h.Sum(nil))
}

// authMiddleware validates the "Authorization: tma <initData>" header and stores
// the user ID in the request context
func (hs *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "tma ") {
			if hs.requireAuth {
				hs.logger.Warn("Missing or invalid authorization header", zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		userID, err := validateInitData(strings.TrimPrefix(authHeader, "tma "), hs.token, hs.now())
		if err != nil {
			hs.logger.Warn("Failed to validate initData",
				zap.Error(err),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		hs.logger.Debug("Authenticated request",
			zap.Int64("user_id", userID),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func (hs *HTTPServer) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Languages)
}

func (hs *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	lang, ok := languageParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown language")
		return
	}

	categories, err := hs.store.ListCategories(r.Context(), lang)
	if err != nil {
		hs.logger.Error("Failed to list categories", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch categories")
		return
	}
	if categories == nil {
		categories = []string{}
	}
	writeJSON(w, http.StatusOK, categories)
}

func (hs *HTTPServer) handleBooks(w http.ResponseWriter, r *http.Request) {
	lang, ok := languageParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown language")
		return
	}
	category, err := url.PathUnescape(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category")
		return
	}

	books, err := hs.store.ListAvailableBooks(r.Context(), lang, category)
	if err != nil {
		hs.logger.Error("Failed to list books", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch books")
		return
	}

	out := make([]bookJSON, 0, len(books))
	for _, b := range books {
		out = append(out, bookJSON{ID: b.ID, Title: b.Title, Language: string(b.Language), Category: b.Category})
	}
	writeJSON(w, http.StatusOK, out)
}

func (hs *HTTPServer) handleMyReservations(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(ctxKey{}).(int64)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	list, err := hs.store.ListUserReservations(r.Context(), userID)
	if err != nil {
		hs.logger.Error("Failed to list reservations", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch reservations")
		return
	}

	out := make([]reservationJSON, 0, len(list))
	for i, res := range list {
		out = append(out, reservationJSON{
			Number:     i + 1,
			BookID:     res.BookID,
			BookTitle:  res.BookTitle,
			PickupTime: res.PickupTime,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func languageParam(r *http.Request) (models.Language, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "language"))
	if err != nil {
		return "", false
	}
	return models.ParseLanguage(raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
