package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// App bundles runtime dependencies for the HTTP service. The provider HTTP
// client and the key cache are constructed once here and passed explicitly to
// every component that needs them.
type App struct {
	Config    Config
	Logger    *slog.Logger
	KeyRing   *KeyRing
	Verifier  *TokenVerifier
	Codec     *SessionCodec
	Flow      *Flow
	Guard     *Guard
	Directory *DirectoryClient
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	timeout := time.Duration(cfg.Server.HTTPTimeout)
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	providerClient := &http.Client{Timeout: timeout}

	keyRing := NewKeyRing(cfg, providerClient, logger)
	verifier := NewTokenVerifier(cfg, keyRing, logger)
	codec := NewSessionCodec(cfg, logger)
	flow := NewFlow(ctx, cfg, codec, providerClient, logger)
	guard := NewGuard(codec, verifier, logger)
	directory := NewDirectoryClient(cfg, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		KeyRing:   keyRing,
		Verifier:  verifier,
		Codec:     codec,
		Flow:      flow,
		Guard:     guard,
		Directory: directory,
	}, nil
}

// handleMe returns the identity claim set of the current session, never the
// token bundle.
func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		apiError(w, http.StatusUnauthorized, "Not authenticated", "")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// handleProfile serves either credential path; the response notes which one
// authenticated the caller.
func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		apiError(w, http.StatusUnauthorized, "Not authenticated", "")
		return
	}

	_, viaCookie := SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        identity,
		"via_session": viaCookie,
	})
}

func (a *App) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		apiError(w, http.StatusBadRequest, "User ID is required", "Please provide a userId parameter")
		return
	}

	doc, err := a.Directory.FindDocument(r.Context(), userID)
	if err != nil {
		a.Logger.Error("check user failed", "user_id", userID, "error", err)
		apiError(w, http.StatusInternalServerError, "Failed to check user", "External service error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User check completed successfully",
		"authenticatedUser": map[string]any{
			"id":    identity.Subject,
			"email": identity.Email,
			"name":  identity.Name,
		},
		"requestedUser": map[string]any{
			"exists": len(doc) > 0,
			"data":   doc,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// neighbor is one entry in the fetch-users response: a directory record
// joined with its embedding coordinates.
type neighbor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Instagram string  `json:"instagram"`
	Discord   string  `json:"discord"`
}

func (a *App) handleFetchUsers(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		apiError(w, http.StatusBadRequest, "User ID is required", "Please provide a userId parameter")
		return
	}

	embeddings, err := a.Directory.Query(r.Context(), userID)
	if err != nil {
		a.Logger.Error("fetch users failed", "user_id", userID, "error", err)
		apiError(w, http.StatusInternalServerError, "Failed to fetch data", "External service error")
		return
	}

	neighbors := make([]neighbor, 0, len(embeddings.Labels))
	for i, label := range embeddings.Labels {
		if i >= len(embeddings.Embeddings) || len(embeddings.Embeddings[i]) < 2 {
			continue
		}
		n := neighbor{
			X:    embeddings.Embeddings[i][0],
			Y:    embeddings.Embeddings[i][1],
			Name: "Unknown User",
		}
		if doc, err := a.Directory.FindDocument(r.Context(), label); err == nil {
			if fields := profileFields(doc, label); fields != nil {
				n.Name = stringField(fields, "name", "Unknown")
				n.Email = stringField(fields, "email", "")
				n.Instagram = stringField(fields, "social1", "")
				n.Discord = stringField(fields, "social2", "")
			}
		} else {
			a.Logger.Warn("neighbor lookup failed", "label", label, "error", err)
		}
		neighbors = append(neighbors, n)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Users fetched successfully",
		"authenticatedUser": map[string]any{
			"id":    identity.Subject,
			"email": identity.Email,
			"name":  identity.Name,
		},
		"requestedUserId": userID,
		"userCount":       len(neighbors),
		"users":           neighbors,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func stringField(fields map[string]any, key, fallback string) string {
	if s, ok := fields[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError writes the standardized failure body. Unexpected upstream detail
// never reaches the response; callers log it separately.
func apiError(w http.ResponseWriter, status int, errMsg, message string) {
	writeJSON(w, status, errorBody{Error: errMsg, Message: message})
}

func (a *App) handleNotFound(w http.ResponseWriter, r *http.Request) {
	apiError(w, http.StatusNotFound, "Not found", "")
}
