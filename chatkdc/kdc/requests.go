/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Key distribution requests: asking a key holder to share with a member who lacks the key
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

const requestColumns = `id, channel_id, requester_id, admin_id, status, notify_count, created_at, updated_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*KeyDistributionRequest, error) {
	r := &KeyDistributionRequest{}
	var status string
	err := row.Scan(&r.ID, &r.ChannelID, &r.RequesterID, &r.AdminID, &status, &r.NotifyCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	return r, nil
}

// findPendingRequest returns the outstanding request for (channel, requester), or nil
func (kdc *KdcDB) findPendingRequest(ctx context.Context, q dbtx, channelID, requesterID string) (*KeyDistributionRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM key_distribution_requests
		 WHERE channel_id = ? AND requester_id = ? AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, channelID, requesterID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pending request: %v", err)
	}
	return r, nil
}

func (kdc *KdcDB) insertRequest(ctx context.Context, q dbtx, r *KeyDistributionRequest) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO key_distribution_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChannelID, r.RequesterID, r.AdminID, string(r.Status), r.NotifyCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create key request: %v", err)
	}
	return nil
}

// GetRequest retrieves a request by ID
func (kdc *KdcDB) GetRequest(ctx context.Context, requestID string) (*KeyDistributionRequest, error) {
	return kdc.getRequest(ctx, kdc.DB, requestID)
}

func (kdc *KdcDB) getRequest(ctx context.Context, q dbtx, requestID string) (*KeyDistributionRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM key_distribution_requests WHERE id = ?`, requestID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFoundf("key request not found: %s", requestID)
		}
		return nil, fmt.Errorf("failed to get key request: %v", err)
	}
	return r, nil
}

// ListRequests lists requests, optionally narrowed by channel and status, newest first
func (kdc *KdcDB) ListRequests(ctx context.Context, channelID string, status RequestStatus) ([]*KeyDistributionRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM key_distribution_requests WHERE 1=1`
	var args []interface{}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := kdc.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query key requests: %v", err)
	}
	defer rows.Close()

	var reqs []*KeyDistributionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key request: %v", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// completeRequests closes every pending request of the recipient in the channel
func (kdc *KdcDB) completeRequests(ctx context.Context, q dbtx, channelID, requesterID string, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE key_distribution_requests SET status = 'completed', updated_at = ?
		 WHERE channel_id = ? AND requester_id = ? AND status = 'pending'`, now, channelID, requesterID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete key requests: %v", err)
	}
	return res.RowsAffected()
}

// findOrCreateRequest reuses the requester's outstanding request (counting one more
// notification) or opens a new one addressed to the preferred key holder
func (s *Service) findOrCreateRequest(ctx context.Context, tx dbtx, channelID, requesterID string) (*KeyDistributionRequest, bool, error) {
	existing, err := s.DB.findPendingRequest(ctx, tx, channelID, requesterID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		_, err := tx.ExecContext(ctx,
			"UPDATE key_distribution_requests SET notify_count = notify_count + 1 WHERE id = ?", existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update key request: %v", err)
		}
		existing.NotifyCount++
		return existing, false, nil
	}

	admin, err := s.DB.selectKeyHolder(ctx, tx, channelID, requesterID)
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	req := &KeyDistributionRequest{
		ID:          uuid.New().String(),
		ChannelID:   channelID,
		RequesterID: requesterID,
		AdminID:     admin,
		Status:      RequestPending,
		NotifyCount: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.DB.insertRequest(ctx, tx, req); err != nil {
		return nil, false, err
	}
	return req, true, nil
}

func (s *Service) notifyKeyRequest(req *KeyDistributionRequest) bool {
	return s.Notifier.ToFirstSession(req.AdminID, Event{
		Type: EventChannelKeyRequest,
		Data: ChannelKeyRequestEvent{
			ChannelID:   req.ChannelID,
			RequesterID: req.RequesterID,
			RequestID:   req.ID,
		},
	})
}

// RequestKey asks a key holder to share the channel key with the requester
func (s *Service) RequestKey(ctx context.Context, channelID, requesterID string) (*KeyDistributionRequest, error) {
	var req *KeyDistributionRequest
	var created bool
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.DB.getChannel(ctx, tx, channelID); err != nil {
			return err
		}
		if _, err := s.DB.requireMember(ctx, tx, channelID, requesterID); err != nil {
			return err
		}
		var err error
		req, created, err = s.findOrCreateRequest(ctx, tx, channelID, requesterID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.Metrics.request("created")
	}
	notified := s.notifyKeyRequest(req)
	log.Printf("KDC: Key request %s from %s for channel %s addressed to %s (notified=%v)",
		req.ID, requesterID, channelID, req.AdminID, notified)
	return req, nil
}

// EscalateStaleRequests re-targets pending requests that have gone unanswered for
// longer than the request TTL to the next key holder in preference order, and
// notifies the new target. Requests whose requester has left are closed.
func (s *Service) EscalateStaleRequests(ctx context.Context) (int, error) {
	pending, err := s.DB.ListRequests(ctx, "", RequestPending)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.Conf.GetRequestTTL())

	escalated := 0
	for _, stale := range pending {
		if !stale.UpdatedAt.Before(cutoff) {
			continue
		}
		req, err := s.escalate(ctx, stale.ID)
		if err != nil {
			log.Printf("KDC: Failed to escalate key request %s: %v", stale.ID, err)
			continue
		}
		if req == nil {
			continue
		}
		escalated++
		s.Metrics.request("escalated")
		notified := s.notifyKeyRequest(req)
		log.Printf("KDC: Escalated key request %s for %s in channel %s to %s (notify #%d, notified=%v)",
			req.ID, req.RequesterID, req.ChannelID, req.AdminID, req.NotifyCount, notified)
	}
	return escalated, nil
}

// escalate returns the re-targeted request, or nil if it was closed instead
func (s *Service) escalate(ctx context.Context, requestID string) (*KeyDistributionRequest, error) {
	var out *KeyDistributionRequest
	err := s.DB.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		req, err := s.DB.getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return nil
		}
		now := s.now()

		role, err := s.DB.role(ctx, tx, req.ChannelID, req.RequesterID)
		if err != nil {
			return err
		}
		if role == RoleNone {
			_, err = tx.ExecContext(ctx,
				"UPDATE key_distribution_requests SET status = 'completed', updated_at = ? WHERE id = ?", now, req.ID)
			if err != nil {
				return fmt.Errorf("failed to close key request: %v", err)
			}
			log.Printf("KDC: Closed key request %s: %s is no longer a member of %s", req.ID, req.RequesterID, req.ChannelID)
			return nil
		}

		holders, err := s.DB.keyHolders(ctx, tx, req.ChannelID, req.RequesterID)
		if err != nil {
			return err
		}
		if len(holders) == 0 {
			return notFoundf("no key holder available in channel %s", req.ChannelID)
		}
		req.AdminID = nextHolder(holders, req.AdminID)
		req.NotifyCount++
		req.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`UPDATE key_distribution_requests SET admin_id = ?, notify_count = ?, updated_at = ? WHERE id = ?`,
			req.AdminID, req.NotifyCount, req.UpdatedAt, req.ID)
		if err != nil {
			return fmt.Errorf("failed to escalate key request: %v", err)
		}
		out = req
		return nil
	})
	return out, err
}

// nextHolder walks the preference list past the current target, wrapping around.
// A target that is no longer in the list is replaced by the most preferred holder.
func nextHolder(holders []string, current string) string {
	for i, h := range holders {
		if h == current {
			return holders[(i+1)%len(holders)]
		}
	}
	return holders[0]
}

// RunRequestSweeper escalates stale requests periodically until ctx is cancelled
func (s *Service) RunRequestSweeper(ctx context.Context) error {
	interval := s.Conf.GetRequestSweepInterval()
	if interval == 0 {
		log.Printf("KDC: Key request sweeper disabled")
		return nil
	}
	log.Printf("KDC: Key request sweeper started (interval %v, ttl %v)", interval, s.Conf.GetRequestTTL())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("KDC: Key request sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.EscalateStaleRequests(ctx)
			if err != nil {
				log.Printf("KDC: Key request sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("KDC: Key request sweep escalated %d requests", n)
			}
		}
	}
}
