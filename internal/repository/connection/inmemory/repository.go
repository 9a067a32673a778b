package inmemory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/inkroom/server/internal/protocol"
	"github.com/inkroom/server/internal/repository/connection"
	"github.com/inkroom/server/internal/signaling"
)

// repo maps member ids to live connections. It is the registry's sender.
type repo struct {
	clients map[*signaling.Client]string
	idList  map[string]*signaling.Client
	mu      sync.RWMutex
	logger  *slog.Logger
}

func NewRepo(logger *slog.Logger) *repo {
	return &repo{
		clients: make(map[*signaling.Client]string),
		idList:  make(map[string]*signaling.Client),
		logger:  logger,
	}
}

func (r *repo) Add(client *signaling.Client) error {
	memberID := client.MemberID()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("called", "member_id", memberID)
	if _, ok := r.clients[client]; ok {
		r.logger.Debug("returned", "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}
	if _, ok := r.idList[memberID]; ok {
		r.logger.Debug("returned", "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	r.clients[client] = memberID
	r.idList[memberID] = client

	return nil
}

// Rebind moves client to memberID. It fails when another live client holds memberID.
func (r *repo) Rebind(client *signaling.Client, memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("called", "member_id", memberID)
	oldID, ok := r.clients[client]
	if !ok {
		r.logger.Debug("returned", "error", connection.ErrNotFound)
		return connection.ErrNotFound
	}
	if oldID == memberID {
		return nil
	}
	if _, taken := r.idList[memberID]; taken {
		r.logger.Debug("returned", "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	delete(r.idList, oldID)
	r.clients[client] = memberID
	r.idList[memberID] = client
	client.SetMemberID(memberID)

	return nil
}

func (r *repo) Remove(client *signaling.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	memberID, ok := r.clients[client]
	r.logger.Debug("called", "member_id", memberID)
	if !ok {
		r.logger.Debug("returned", "error", connection.ErrNotFound)
		return connection.ErrNotFound
	}

	delete(r.clients, client)
	delete(r.idList, memberID)

	return nil
}

func (r *repo) RemoveByMemberID(memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("called", "member_id", memberID)
	client, ok := r.idList[memberID]
	if !ok {
		r.logger.Debug("returned", "error", connection.ErrNotFound)
		return connection.ErrNotFound
	}

	delete(r.clients, client)
	delete(r.idList, memberID)
	client.Close()

	return nil
}

func (r *repo) Get(memberID string) (*signaling.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.idList[memberID]
	if !ok {
		return nil, connection.ErrNotFound
	}

	return client, nil
}

func (r *repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.idList)
}

// Send enqueues event on the member's connection. Events for members with no live
// connection are dropped.
func (r *repo) Send(ctx context.Context, memberID string, event protocol.Event) {
	client, err := r.Get(memberID)
	if err != nil {
		r.logger.DebugContext(ctx, "dropping event for unknown member", "member_id", memberID, "event", event.Type)
		return
	}

	if !client.Deliver(event) {
		r.logger.InfoContext(ctx, "event not delivered", "member_id", memberID, "event", event.Type)
	}
}
