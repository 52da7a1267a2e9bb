/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Management API endpoints for chatkdc (operator side, X-API-Key protected)
 */

package kdc

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// APIStatus is embedded in every API response
type APIStatus struct {
	Time      time.Time `json:"time"`
	Error     bool      `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Msg       string    `json:"msg,omitempty"`

	status int
}

func newStatus() APIStatus {
	return APIStatus{Time: time.Now()}
}

func (s *APIStatus) fail(err error) {
	s.Error = true
	s.ErrorKind = KindOf(err)
	s.ErrorMsg = err.Error()
	s.status = HTTPStatus(err)
}

func (s *APIStatus) httpStatus() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// sendJSONError sends a JSON-formatted error response
func sendJSONError(w http.ResponseWriter, statusCode int, errorMsg string) {
	kind := KindInvalid
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindForbidden
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusInternalServerError:
		kind = KindInternal
	}
	resp := map[string]interface{}{
		"time":       time.Now(),
		"error":      true,
		"error_kind": kind,
		"error_msg":  errorMsg,
	}
	writeJSON(w, statusCode, resp)
}

func sendError(w http.ResponseWriter, err error) {
	st := newStatus()
	st.fail(err)
	writeJSON(w, st.httpStatus(), st)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: failed to encode response: %v", err)
	}
}

// KdcChannelPost represents a request to the channel management API
type KdcChannelPost struct {
	Command   string   `json:"command"` // "add", "list", "get", "delete", "enable-encryption", "disable-encryption", "add-member", "set-role", "remove-member", "members", "rotate", "history", "rotation-log"
	Channel   *Channel `json:"channel,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Role      Role     `json:"role,omitempty"`
	By        string   `json:"by,omitempty"` // acting user; defaults to the operator
	Reason    string   `json:"reason,omitempty"`
}

// KdcChannelResponse represents a response from the channel management API
type KdcChannelResponse struct {
	APIStatus
	Channel     *Channel            `json:"channel,omitempty"`
	Channels    []*Channel          `json:"channels,omitempty"`
	Members     []*Member           `json:"members,omitempty"`
	Removal     *RemovalResult      `json:"removal,omitempty"`
	Ensure      *EnsureResult       `json:"ensure,omitempty"`
	MasterKey   *MasterKeyVersion   `json:"master_key,omitempty"`
	History     []*MasterKeyVersion `json:"history,omitempty"`
	RotationLog []*KeyRotationLog   `json:"rotation_log,omitempty"`
}

// APIKdcChannel handles channel, membership and rotation management
func APIKdcChannel(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KdcChannelPost

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}

		resp := KdcChannelResponse{APIStatus: newStatus()}
		ctx := r.Context()
		by := req.By
		if by == "" {
			by = SystemActor
		}

		if req.Command != "add" && req.Command != "list" && req.ChannelID == "" {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("channel_id is required for %s command", req.Command))
			return
		}

		switch req.Command {
		case "add":
			if req.Channel == nil {
				sendJSONError(w, http.StatusBadRequest, "channel is required for add command")
				return
			}
			if req.Channel.ID == "" {
				req.Channel.ID = req.Channel.Name // Use channel name as ID if not specified
			}
			if err := svc.DB.AddChannel(ctx, req.Channel); err != nil {
				resp.fail(err)
			} else {
				resp.Msg = fmt.Sprintf("Channel %s added successfully", req.Channel.ID)
				resp.Channel = req.Channel
			}

		case "list":
			channels, err := svc.DB.ListChannels(ctx)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Channels = channels
			}

		case "get":
			ch, err := svc.DB.GetChannel(ctx, req.ChannelID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Channel = ch
			}

		case "delete":
			if err := svc.DB.DeleteChannel(ctx, req.ChannelID); err != nil {
				resp.fail(err)
			} else {
				resp.Msg = fmt.Sprintf("Channel %s deleted successfully", req.ChannelID)
			}

		case "enable-encryption":
			mk, err := svc.EnableEncryption(ctx, req.ChannelID, by)
			if err != nil {
				resp.fail(err)
			} else {
				resp.MasterKey = mk
				resp.Msg = fmt.Sprintf("Encryption enabled for channel %s (active version %d)", req.ChannelID, mk.Version)
			}

		case "disable-encryption":
			if err := svc.DisableEncryption(ctx, req.ChannelID, by); err != nil {
				resp.fail(err)
			} else {
				resp.Msg = fmt.Sprintf("Encryption disabled for channel %s", req.ChannelID)
			}

		case "add-member":
			if req.UserID == "" {
				sendJSONError(w, http.StatusBadRequest, "user_id is required for add-member command")
				return
			}
			res, err := svc.OnMemberAdded(ctx, req.ChannelID, req.UserID, req.Role, by)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Ensure = res
				resp.Msg = fmt.Sprintf("User %s added to channel %s", req.UserID, req.ChannelID)
			}

		case "set-role":
			if req.UserID == "" || req.Role == "" {
				sendJSONError(w, http.StatusBadRequest, "user_id and role are required for set-role command")
				return
			}
			m, err := svc.SetMemberRole(ctx, req.ChannelID, req.UserID, req.Role, by)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Msg = fmt.Sprintf("User %s is now %s in channel %s", m.UserID, m.Role, req.ChannelID)
			}

		case "remove-member":
			if req.UserID == "" {
				sendJSONError(w, http.StatusBadRequest, "user_id is required for remove-member command")
				return
			}
			res, err := svc.OnMemberRemoved(ctx, req.ChannelID, req.UserID, by)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Removal = res
				if res.Rotated {
					resp.Msg = fmt.Sprintf("User %s removed from channel %s; key rotated to version %d",
						req.UserID, req.ChannelID, res.NewVersion)
				} else {
					resp.Msg = fmt.Sprintf("User %s removed from channel %s", req.UserID, req.ChannelID)
				}
			}

		case "members":
			members, err := svc.ListMembers(ctx, req.ChannelID, SystemActor)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Members = members
			}

		case "rotate":
			reason := req.Reason
			if reason == "" {
				reason = "manual rotation"
			}
			mk, err := svc.Rotate(ctx, req.ChannelID, by, reason)
			if err != nil {
				resp.fail(err)
			} else {
				resp.MasterKey = mk
				resp.Msg = fmt.Sprintf("Channel %s rotated to key version %d", req.ChannelID, mk.Version)
			}

		case "history":
			history, err := svc.DB.GetKeyHistory(ctx, req.ChannelID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.History = history
			}

		case "rotation-log":
			entries, err := svc.DB.GetRotationLog(ctx, req.ChannelID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.RotationLog = entries
			}

		default:
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown command: %s", req.Command))
			return
		}

		writeJSON(w, resp.httpStatus(), resp)
	}
}

// KdcKeysPost represents a request to the key inspection API
type KdcKeysPost struct {
	Command   string `json:"command"` // "shares", "user-keys", "delete-user-keys", "sync-state", "pending"
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	After     int    `json:"after,omitempty"`
}

// KdcKeysResponse represents a response from the key inspection API
type KdcKeysResponse struct {
	APIStatus
	Shares    []*KeyShareRecord `json:"shares,omitempty"`
	UserKeys  []*UserChannelKey `json:"user_keys,omitempty"`
	SyncState *UserSyncState    `json:"sync_state,omitempty"`
	Pending   *PendingResult    `json:"pending,omitempty"`
}

// APIKdcKeys exposes the key store and KDM state to operators
func APIKdcKeys(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KdcKeysPost

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}

		resp := KdcKeysResponse{APIStatus: newStatus()}
		ctx := r.Context()

		switch req.Command {
		case "shares":
			if req.ChannelID == "" {
				sendJSONError(w, http.StatusBadRequest, "channel_id is required for shares command")
				return
			}
			shares, err := svc.DB.ListShares(ctx, req.ChannelID, req.UserID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Shares = shares
			}

		case "user-keys", "delete-user-keys":
			if req.ChannelID == "" || req.UserID == "" {
				sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("channel_id and user_id are required for %s command", req.Command))
				return
			}
			if req.Command == "user-keys" {
				keys, err := svc.DB.ListUserKeys(ctx, req.ChannelID, req.UserID)
				if err != nil {
					resp.fail(err)
				} else {
					resp.UserKeys = keys
				}
				break
			}
			n, err := svc.DB.DeleteUserKeys(ctx, req.ChannelID, req.UserID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Msg = fmt.Sprintf("Deleted %d key copies for %s in channel %s", n, req.UserID, req.ChannelID)
			}

		case "sync-state":
			if req.UserID == "" {
				sendJSONError(w, http.StatusBadRequest, "user_id is required for sync-state command")
				return
			}
			st, err := svc.DB.GetSyncState(ctx, req.UserID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.SyncState = st
			}

		case "pending":
			if req.UserID == "" {
				sendJSONError(w, http.StatusBadRequest, "user_id is required for pending command")
				return
			}
			pending, err := svc.PendingFor(ctx, req.UserID, req.After, req.ChannelID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Pending = pending
			}

		default:
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown command: %s", req.Command))
			return
		}

		writeJSON(w, resp.httpStatus(), resp)
	}
}

// KdcRequestPost represents a request to the key distribution request API
type KdcRequestPost struct {
	Command   string        `json:"command"` // "list", "get", "sweep"
	ChannelID string        `json:"channel_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
}

// KdcRequestResponse represents a response from the key distribution request API
type KdcRequestResponse struct {
	APIStatus
	Request   *KeyDistributionRequest   `json:"request,omitempty"`
	Requests  []*KeyDistributionRequest `json:"requests,omitempty"`
	Escalated int                       `json:"escalated,omitempty"`
}

// APIKdcRequests lists and sweeps key distribution requests
func APIKdcRequests(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KdcRequestPost

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}

		resp := KdcRequestResponse{APIStatus: newStatus()}
		ctx := r.Context()

		switch req.Command {
		case "list":
			reqs, err := svc.DB.ListRequests(ctx, req.ChannelID, req.Status)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Requests = reqs
			}

		case "get":
			if req.RequestID == "" {
				sendJSONError(w, http.StatusBadRequest, "request_id is required for get command")
				return
			}
			kr, err := svc.DB.GetRequest(ctx, req.RequestID)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Request = kr
			}

		case "sweep":
			n, err := svc.EscalateStaleRequests(ctx)
			if err != nil {
				resp.fail(err)
			} else {
				resp.Escalated = n
				resp.Msg = fmt.Sprintf("Escalated %d stale key requests", n)
			}

		default:
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown command: %s", req.Command))
			return
		}

		writeJSON(w, resp.httpStatus(), resp)
	}
}

// SetupKdcAPIRoutes registers the operator endpoints on a router that is already
// restricted to holders of the API key
func SetupKdcAPIRoutes(sr *mux.Router, svc *Service) {
	if svc == nil || svc.DB == nil {
		log.Printf("SetupKdcAPIRoutes: KDC database not initialized, skipping KDC API routes")
		return
	}

	sr.HandleFunc("/kdc/channel", APIKdcChannel(svc)).Methods("POST")
	sr.HandleFunc("/kdc/keys", APIKdcKeys(svc)).Methods("POST")
	sr.HandleFunc("/kdc/requests", APIKdcRequests(svc)).Methods("POST")

	log.Printf("KDC API routes registered: /kdc/channel, /kdc/keys, /kdc/requests")
}
