/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Member-facing API endpoints. The calling user is identified by a header set by
 * the authenticating front end.
 */

package kdc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

type ctxKey int

const userCtxKey ctxKey = iota

// DefaultUserHeader carries the authenticated user id
const DefaultUserHeader = "X-Chat-User"

// RequireUser rejects requests without a user identity and stores the identity in
// the request context
func RequireUser(header string) mux.MiddlewareFunc {
	if header == "" {
		header = DefaultUserHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(header))
			if user == "" {
				sendJSONError(w, http.StatusUnauthorized, fmt.Sprintf("missing %s header", header))
				return
			}
			if user == SystemActor {
				sendJSONError(w, http.StatusForbidden, fmt.Sprintf("user id %q is reserved", SystemActor))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey, userID)
}

// UserFromContext returns the authenticated user, or ""
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(userCtxKey).(string)
	return u
}

// UserResponse is the envelope for every member-facing response
type UserResponse struct {
	APIStatus
	Share      *ShareResult            `json:"share,omitempty"`
	Request    *KeyDistributionRequest `json:"request,omitempty"`
	Ensure     *EnsureResult           `json:"ensure,omitempty"`
	SenderKey  *SenderKey              `json:"sender_key,omitempty"`
	Members    []*Member               `json:"members,omitempty"`
	SyncState  *UserSyncState          `json:"sync_state,omitempty"`
	PublicKey  *PublicKey              `json:"public_key,omitempty"`
	Encryption *EncryptionStatus       `json:"encryption,omitempty"`
}

// PendingResponse answers a KDM catch-up query
type PendingResponse struct {
	APIStatus
	PendingResult
}

// EncryptionStatus reports whether a channel is encrypted and at which version
type EncryptionStatus struct {
	ChannelID     string `json:"channel_id"`
	IsEncrypted   bool   `json:"is_encrypted"`
	ActiveVersion int    `json:"active_version,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	HasKey        bool   `json:"has_key"`
}

type userPost struct {
	ChannelID    string `json:"channel_id"`
	RecipientID  string `json:"recipient_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	EncryptedKey string `json:"encrypted_key,omitempty"`
	IsRotation   bool   `json:"is_rotation,omitempty"`
	KeyVersion   *int   `json:"key_version,omitempty"`
	Version      int    `json:"version,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	Role         Role   `json:"role,omitempty"`
	Action       string `json:"action,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`
}

func decodeUserPost(w http.ResponseWriter, r *http.Request, needChannel bool) (*userPost, bool) {
	var req userPost
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return nil, false
	}
	if needChannel && req.ChannelID == "" {
		sendJSONError(w, http.StatusBadRequest, "channel_id is required")
		return nil, false
	}
	return &req, true
}

func respond(w http.ResponseWriter, resp *UserResponse, err error) {
	if err != nil {
		resp.fail(err)
	}
	writeJSON(w, resp.httpStatus(), resp)
}

// APIShareKey: POST /share_key
func APIShareKey(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, true)
		if !ok {
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		res, err := svc.ShareKey(r.Context(), &ShareKeyParams{
			ChannelID:    req.ChannelID,
			SenderID:     UserFromContext(r.Context()),
			RecipientID:  req.RecipientID,
			EncryptedKey: req.EncryptedKey,
			IsRotation:   req.IsRotation,
			KeyVersion:   req.KeyVersion,
		})
		if err == nil {
			resp.Share = res
			resp.Msg = fmt.Sprintf("Key shared with %s", req.RecipientID)
		}
		respond(w, resp, err)
	}
}

// APIRequestKey: POST /request_key
func APIRequestKey(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, true)
		if !ok {
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		kr, err := svc.RequestKey(r.Context(), req.ChannelID, UserFromContext(r.Context()))
		if err == nil {
			resp.Request = kr
			resp.Msg = "Key request sent"
		}
		respond(w, resp, err)
	}
}

// APIActivity: POST /activity, called when the user sends a message
func APIActivity(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, true)
		if !ok {
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		res, err := svc.EnsureKeyOnActivity(r.Context(), req.ChannelID, UserFromContext(r.Context()))
		if err == nil {
			resp.Ensure = res
		}
		respond(w, resp, err)
	}
}

// APIPendingKeys: GET /kdm/pending?after=N[&channel_id=C]
func APIPendingKeys(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after := 0
		if s := r.URL.Query().Get("after"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid after: %q", s))
				return
			}
			after = v
		}
		res, err := svc.PendingFor(r.Context(), UserFromContext(r.Context()), after, r.URL.Query().Get("channel_id"))
		if err != nil {
			sendError(w, err)
			return
		}
		resp := PendingResponse{APIStatus: newStatus(), PendingResult: *res}
		writeJSON(w, http.StatusOK, resp)
	}
}

// APIAckKeys: POST /kdm/ack
func APIAckKeys(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, false)
		if !ok {
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		st, err := svc.Acknowledge(r.Context(), UserFromContext(r.Context()), req.ChannelID, req.Version)
		if err == nil {
			resp.SyncState = st
			resp.Msg = fmt.Sprintf("Acknowledged up to version %d", st.LastAckedKdmVersion)
		}
		respond(w, resp, err)
	}
}

// APISenderKey: GET /sender_key?channel_id=C
func APISenderKey(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel_id")
		if channelID == "" {
			sendJSONError(w, http.StatusBadRequest, "channel_id is required")
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		sk, err := svc.GetSenderKey(r.Context(), channelID, UserFromContext(r.Context()))
		if err == nil {
			resp.SenderKey = sk
		}
		respond(w, resp, err)
	}
}

// APIChannelMembers: GET /channel_members?channel_id=C
func APIChannelMembers(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel_id")
		if channelID == "" {
			sendJSONError(w, http.StatusBadRequest, "channel_id is required")
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		members, err := svc.ListMembers(r.Context(), channelID, UserFromContext(r.Context()))
		if err == nil {
			resp.Members = members
		}
		respond(w, resp, err)
	}
}

// APIEncryptionStatus: GET /encryption_status?channel_id=C
func APIEncryptionStatus(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channel_id")
		if channelID == "" {
			sendJSONError(w, http.StatusBadRequest, "channel_id is required")
			return
		}
		resp := &UserResponse{APIStatus: newStatus()}
		st, err := encryptionStatus(r.Context(), svc, channelID, UserFromContext(r.Context()))
		if err == nil {
			resp.Encryption = st
		}
		respond(w, resp, err)
	}
}

func encryptionStatus(ctx context.Context, svc *Service, channelID, userID string) (*EncryptionStatus, error) {
	ch, err := svc.DB.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.DB.requireMember(ctx, svc.DB.DB, channelID, userID); err != nil {
		return nil, err
	}
	st := &EncryptionStatus{ChannelID: channelID, IsEncrypted: ch.IsEncrypted}
	mk, err := svc.DB.GetActiveVersion(ctx, channelID)
	switch {
	case err == nil:
		st.ActiveVersion = mk.Version
		st.Fingerprint = mk.Fingerprint
	case KindOf(err) != KindNotFound:
		return nil, err
	}
	key, err := svc.DB.GetUserKey(ctx, channelID, userID)
	switch {
	case err == nil:
		st.HasKey = key.IsActive && key.KeyVersion == st.ActiveVersion
	case KindOf(err) != KindNotFound:
		return nil, err
	}
	return st, nil
}

// APIChannelEncryption: POST /channel/encryption {channel_id, enabled}
func APIChannelEncryption(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, true)
		if !ok {
			return
		}
		if req.Enabled == nil {
			sendJSONError(w, http.StatusBadRequest, "enabled is required")
			return
		}
		user := UserFromContext(r.Context())
		resp := &UserResponse{APIStatus: newStatus()}
		var err error
		if *req.Enabled {
			_, err = svc.EnableEncryption(r.Context(), req.ChannelID, user)
		} else {
			err = svc.DisableEncryption(r.Context(), req.ChannelID, user)
		}
		if err == nil {
			resp.Encryption, err = encryptionStatus(r.Context(), svc, req.ChannelID, user)
		}
		respond(w, resp, err)
	}
}

// APIChannelMembership: POST /channel/members {channel_id, user_id, action: add|remove|role, role}
func APIChannelMembership(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, true)
		if !ok {
			return
		}
		user := UserFromContext(r.Context())
		target := req.UserID
		if target == "" {
			target = user
		}
		resp := &UserResponse{APIStatus: newStatus()}
		var err error
		switch req.Action {
		case "add":
			resp.Ensure, err = svc.OnMemberAdded(r.Context(), req.ChannelID, target, req.Role, user)
			if err == nil {
				resp.Msg = fmt.Sprintf("User %s added to channel %s", target, req.ChannelID)
			}
		case "role":
			var m *Member
			m, err = svc.SetMemberRole(r.Context(), req.ChannelID, target, req.Role, user)
			if err == nil {
				resp.Msg = fmt.Sprintf("User %s is now %s in channel %s", m.UserID, m.Role, req.ChannelID)
			}
		case "remove":
			var res *RemovalResult
			res, err = svc.OnMemberRemoved(r.Context(), req.ChannelID, target, user)
			if err == nil {
				resp.Msg = fmt.Sprintf("User %s removed from channel %s", target, req.ChannelID)
				if res.Rotated {
					resp.Msg += fmt.Sprintf("; key rotated to version %d", res.NewVersion)
				}
			}
		default:
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action: %q", req.Action))
			return
		}
		respond(w, resp, err)
	}
}

// APIPutPublicKey: POST /public_key {public_key}
func APIPutPublicKey(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeUserPost(w, r, false)
		if !ok {
			return
		}
		user := UserFromContext(r.Context())
		resp := &UserResponse{APIStatus: newStatus()}
		err := svc.DB.PutPublicKey(r.Context(), user, req.PublicKey)
		if err == nil {
			resp.PublicKey, err = svc.DB.GetPublicKey(r.Context(), user)
			resp.Msg = "Public key stored"
		}
		respond(w, resp, err)
	}
}

// APIGetPublicKey: GET /public_key?user_id=U
func APIGetPublicKey(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			userID = UserFromContext(r.Context())
		}
		resp := &UserResponse{APIStatus: newStatus()}
		pk, err := svc.DB.GetPublicKey(r.Context(), userID)
		if err == nil {
			resp.PublicKey = pk
		}
		respond(w, resp, err)
	}
}

// SetupUserAPIRoutes registers the member endpoints on sr and installs the identity
// middleware on it
func SetupUserAPIRoutes(sr *mux.Router, svc *Service, userHeader string) {
	sr.Use(RequireUser(userHeader))

	sr.HandleFunc("/share_key", APIShareKey(svc)).Methods("POST")
	sr.HandleFunc("/request_key", APIRequestKey(svc)).Methods("POST")
	sr.HandleFunc("/activity", APIActivity(svc)).Methods("POST")
	sr.HandleFunc("/kdm/pending", APIPendingKeys(svc)).Methods("GET")
	sr.HandleFunc("/kdm/ack", APIAckKeys(svc)).Methods("POST")
	sr.HandleFunc("/sender_key", APISenderKey(svc)).Methods("GET")
	sr.HandleFunc("/channel_members", APIChannelMembers(svc)).Methods("GET")
	sr.HandleFunc("/encryption_status", APIEncryptionStatus(svc)).Methods("GET")
	sr.HandleFunc("/channel/encryption", APIChannelEncryption(svc)).Methods("POST")
	sr.HandleFunc("/channel/members", APIChannelMembership(svc)).Methods("POST")
	sr.HandleFunc("/public_key", APIPutPublicKey(svc)).Methods("POST")
	sr.HandleFunc("/public_key", APIGetPublicKey(svc)).Methods("GET")
}
