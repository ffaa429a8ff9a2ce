package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodySize         = 64 * 1024
)

type CreateRoomRequest struct {
	RoomId string `json:"room_id"`
	Kind   string `json:"kind"`
}

type PostMessageRequest struct {
	Content           string `json:"content"`
	SenderDisplayName string `json:"sender_display_name"`
	SenderAvatarRef   string `json:"sender_avatar_ref"`
}

type HeartbeatRequest struct {
	Key string `json:"key"`
}

type PresenceResponse struct {
	Key         string   `json:"key"`
	IdentityIds []string `json:"identity_ids"`
}

type UpdateProfileRequest struct {
	DisplayName    string `json:"display_name"`
	AvatarRef      string `json:"avatar_ref"`
	IsDiscoverable bool   `json:"is_discoverable"`
}

type NearbyResponse struct {
	Key      string          `json:"key"`
	Profiles []types.Profile `json:"profiles"`
}

func (a *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("json encode")
	}
}

func (a *App) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		a.log.Error().Err(errResp).Int("status", errResp.StatusCode).Msg("request failed")
	}
	a.writeJson(w, errResp.StatusCode, errResp)
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, NewBadRequestError())
		return false
	}
	return true
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.db.Ping(r.Context()); err != nil {
		a.writeError(w, NewServiceUnavailableError(err))
		return
	}

	a.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) createRoom(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())

	var req CreateRoomRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := a.cs.GetOrCreateRoom(ctx, req.RoomId, types.Kind(req.Kind)); err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	if err := a.cs.EnsureParticipant(ctx, req.RoomId, identityId); err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	room, err := a.cs.RoomInfo(ctx, req.RoomId)
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusOK, room)
}

func (a *App) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := a.cs.RoomInfo(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusOK, room)
}

func (a *App) addParticipant(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())
	roomId := chi.URLParam(r, "roomId")

	if err := a.cs.EnsureParticipant(r.Context(), roomId, identityId); err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	room, err := a.cs.RoomInfo(r.Context(), roomId)
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusOK, room)
}

func (a *App) postMessage(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())

	var req PostMessageRequest
	if !a.decode(w, r, &req) {
		return
	}

	msg, err := a.cs.Append(r.Context(), server.AppendParams{
		RoomId:            chi.URLParam(r, "roomId"),
		SenderId:          identityId,
		SenderDisplayName: req.SenderDisplayName,
		SenderAvatarRef:   req.SenderAvatarRef,
		Content:           req.Content,
	})
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusCreated, msg)
}

func (a *App) getMessages(w http.ResponseWriter, r *http.Request) {
	var (
		after int64
		limit = defaultHistoryLimit
		err   error
	)

	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after, err = strconv.ParseInt(afterStr, 10, 64)
		if err != nil || after < 0 {
			a.writeError(w, NewBadRequestError())
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			a.writeError(w, NewBadRequestError())
			return
		}
		limit = min(limit, maxHistoryLimit)
	}

	it, err := a.cs.ReadFrom(r.Context(), chi.URLParam(r, "roomId"), after)
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	messages, err := it.Collect(r.Context(), limit)
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusOK, messages)
}

func (a *App) heartbeat(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())

	var req HeartbeatRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.presence.Heartbeat(r.Context(), req.Key, identityId); err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusNoContent, nil)
}

func (a *App) queryPresence(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())
	key := r.URL.Query().Get("key")

	ids, err := a.presence.QueryFresh(r.Context(), key, identityId)
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	a.writeJson(w, http.StatusOK, PresenceResponse{Key: key, IdentityIds: ids})
}

// nearby discovers identities seen from the caller's network address.
func (a *App) nearby(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())
	key := clientIP(r)

	ids, err := a.presence.Nearby(r.Context(), key, identityId)
	if err != nil {
		a.writeError(w, NewErrorFromChat(err))
		return
	}

	profiles := make([]types.Profile, 0, len(ids))
	if len(ids) > 0 {
		stored, err := a.db.ListDiscoverableProfiles(r.Context(), ids)
		if err != nil {
			a.writeError(w, NewServiceUnavailableError(err))
			return
		}
		for _, p := range stored {
			profiles = append(profiles, profileFromModel(p))
		}
	}

	a.writeJson(w, http.StatusOK, NearbyResponse{Key: key, Profiles: profiles})
}

func profileFromModel(p database.Profile) types.Profile {
	return types.Profile{
		Id:             p.Id,
		DisplayName:    p.DisplayName,
		AvatarRef:      p.AvatarRef,
		IsDiscoverable: p.IsDiscoverable,
	}
}

func (a *App) getProfile(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())

	profile, err := a.db.GetProfile(r.Context(), identityId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			a.writeError(w, NewNotFoundError())
		} else {
			a.writeError(w, NewServiceUnavailableError(err))
		}
		return
	}

	a.writeJson(w, http.StatusOK, profileFromModel(profile))
}

// updateProfile replaces the caller's profile. Messages already appended keep
// the sender snapshot taken at append time.
func (a *App) updateProfile(w http.ResponseWriter, r *http.Request) {
	identityId, _ := IdentityId(r.Context())

	var req UpdateProfileRequest
	if !a.decode(w, r, &req) {
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		a.writeError(w, NewBadRequestError())
		return
	}

	profile := database.Profile{
		Id:             identityId,
		DisplayName:    displayName,
		AvatarRef:      strings.TrimSpace(req.AvatarRef),
		IsDiscoverable: req.IsDiscoverable,
	}
	if err := a.db.UpsertProfile(r.Context(), profile); err != nil {
		a.writeError(w, NewServiceUnavailableError(err))
		return
	}

	a.writeJson(w, http.StatusOK, profileFromModel(profile))
}

// clientIP prefers the first X-Forwarded-For entry, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *App) serveWs(w http.ResponseWriter, r *http.Request) {
	identityId, ok := IdentityId(r.Context())
	if !ok {
		a.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(a.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(identityId, conn, a.cs, a.log)

	a.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
