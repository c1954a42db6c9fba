// Package repository provides typed access to the workflow records held in a store.Store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

// ErrContended is returned when a read-modify-write loses the revision race too many times.
var ErrContended = errors.New("record update contended")

const maxAttempts = 8

// Repository reads and writes workflow records as JSON documents.
type Repository struct {
	store store.Store
}

// New creates a repository over s.
func New(s store.Store) *Repository {
	return &Repository{store: s}
}

func load[T any](ctx context.Context, s store.Store, table string, key store.Key) (*T, uint64, error) {
	rec, err := s.Get(ctx, table, key)
	if err != nil {
		return nil, 0, err
	}
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s record: %w", table, err)
	}
	return &v, rec.Revision, nil
}

func create(ctx context.Context, s store.Store, table string, key store.Key, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s record: %w", table, err)
	}
	return s.Create(ctx, table, key, data)
}

func put(ctx context.Context, s store.Store, table string, key store.Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", table, err)
	}
	_, err = s.Put(ctx, table, key, data)
	return err
}

func update(ctx context.Context, s store.Store, table string, key store.Key, v any, rev uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s record: %w", table, err)
	}
	return s.Update(ctx, table, key, data, rev)
}

// mutate applies fn to the latest version of a record, retrying on revision conflicts.
func mutate[T any](ctx context.Context, s store.Store, table string, key store.Key, fn func(*T) error) (*T, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		v, rev, err := load[T](ctx, s, table, key)
		if err != nil {
			return nil, err
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		_, err = update(ctx, s, table, key, v, rev)
		if errors.Is(err, store.ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("%s %s: %w", table, strings.Join(key, "/"), ErrContended)
}

// Domain returns the part of an email address after the @.
func Domain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}

// Users

func (r *Repository) GetUser(ctx context.Context, email string) (*model.User, error) {
	u, _, err := load[model.User](ctx, r.store, store.TableUsers, store.K(strings.ToLower(email)))
	return u, err
}

func (r *Repository) PutUser(ctx context.Context, u *model.User) error {
	return put(ctx, r.store, store.TableUsers, store.K(strings.ToLower(u.Email)), u)
}

func (r *Repository) UpdateUser(ctx context.Context, email string, fn func(*model.User) error) (*model.User, error) {
	return mutate(ctx, r.store, store.TableUsers, store.K(strings.ToLower(email)), fn)
}

// Offices

func (r *Repository) GetOffice(ctx context.Context, domain string) (*model.Office, error) {
	o, _, err := load[model.Office](ctx, r.store, store.TableOffices, store.K(strings.ToLower(domain)))
	return o, err
}

// OfficeForUser resolves the office owning the user's email domain.
func (r *Repository) OfficeForUser(ctx context.Context, email string) (*model.Office, error) {
	return r.GetOffice(ctx, Domain(email))
}

func (r *Repository) PutOffice(ctx context.Context, o *model.Office) error {
	return put(ctx, r.store, store.TableOffices, store.K(strings.ToLower(o.Domain)), o)
}

// Threads

func (r *Repository) GetThread(ctx context.Context, threadID string) (*model.Thread, error) {
	t, _, err := load[model.Thread](ctx, r.store, store.TableThreads, store.K(threadID))
	return t, err
}

// CreateThread writes the thread only if it does not exist yet.
func (r *Repository) CreateThread(ctx context.Context, t *model.Thread) error {
	_, err := create(ctx, r.store, store.TableThreads, store.K(t.ThreadID), t)
	return err
}

func (r *Repository) UpdateThread(ctx context.Context, threadID string, fn func(*model.Thread) error) (*model.Thread, error) {
	return mutate(ctx, r.store, store.TableThreads, store.K(threadID), fn)
}

// Responses

// CreateMessage writes the message record only if its response id is new.
func (r *Repository) CreateMessage(ctx context.Context, m *model.Message) error {
	_, err := create(ctx, r.store, store.TableResponses, store.K(m.ThreadID, m.ResponseID), m)
	return err
}

func (r *Repository) GetMessage(ctx context.Context, threadID, responseID string) (*model.Message, error) {
	m, _, err := load[model.Message](ctx, r.store, store.TableResponses, store.K(threadID, responseID))
	return m, err
}

func (r *Repository) UpdateMessage(ctx context.Context, threadID, responseID string, fn func(*model.Message) error) (*model.Message, error) {
	return mutate(ctx, r.store, store.TableResponses, store.K(threadID, responseID), fn)
}

// ListMessages returns the thread's message records ordered by prompt time,
// falling back to receipt time. Storage order is never relied on.
func (r *Repository) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	recs, err := r.store.List(ctx, store.TableResponses, store.K(threadID))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	out := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		var m model.Message
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			return nil, fmt.Errorf("failed to decode message record: %w", err)
		}
		out = append(out, m)
	}
	SortMessages(out)
	return out, nil
}

// SortMessages orders messages by timestamp.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, tj := msgs[i].OrderTime(), msgs[j].OrderTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if !msgs[i].MessageReceivedTimestamp.Equal(msgs[j].MessageReceivedTimestamp) {
			return msgs[i].MessageReceivedTimestamp.Before(msgs[j].MessageReceivedTimestamp)
		}
		return msgs[i].ResponseID < msgs[j].ResponseID
	})
}

// ChatHistory returns the answered turns of a thread in timestamp order,
// excluding the given response.
func (r *Repository) ChatHistory(ctx context.Context, threadID, excludeResponseID string) ([]model.Message, error) {
	msgs, err := r.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	history := msgs[:0]
	for _, m := range msgs {
		if m.ResponseID == excludeResponseID || m.LLMAnswer == nil {
			continue
		}
		history = append(history, m)
	}
	return history, nil
}

// Evaluations

// ClaimEvaluation writes a pending assignment record if none exists and
// returns its revision. A second claimant gets store.ErrExists.
func (r *Repository) ClaimEvaluation(ctx context.Context, out *model.EvaluationModuleOutput) (uint64, error) {
	return create(ctx, r.store, store.TableEvaluations, store.K(out.ThreadID), out)
}

func (r *Repository) GetEvaluation(ctx context.Context, threadID string) (*model.EvaluationModuleOutput, uint64, error) {
	return load[model.EvaluationModuleOutput](ctx, r.store, store.TableEvaluations, store.K(threadID))
}

// CompleteEvaluation replaces the claimed record, failing if it changed since the claim.
func (r *Repository) CompleteEvaluation(ctx context.Context, out *model.EvaluationModuleOutput, rev uint64) error {
	_, err := update(ctx, r.store, store.TableEvaluations, store.K(out.ThreadID), out, rev)
	return err
}

// TakeOverEvaluation re-stamps a stale pending claim. Only one caller can
// succeed for a given revision.
func (r *Repository) TakeOverEvaluation(ctx context.Context, claim *model.EvaluationModuleOutput, rev uint64) (uint64, error) {
	return update(ctx, r.store, store.TableEvaluations, store.K(claim.ThreadID), claim, rev)
}

// Supervision requests

// CreateSupervisionRequest writes the request only if none exists for the response.
func (r *Repository) CreateSupervisionRequest(ctx context.Context, req *model.SupervisionRequest) error {
	_, err := create(ctx, r.store, store.TableSupervision, store.K(req.ResponseID), req)
	return err
}

func (r *Repository) GetSupervisionRequest(ctx context.Context, responseID string) (*model.SupervisionRequest, error) {
	req, _, err := load[model.SupervisionRequest](ctx, r.store, store.TableSupervision, store.K(responseID))
	return req, err
}

func (r *Repository) UpdateSupervisionRequest(ctx context.Context, responseID string, fn func(*model.SupervisionRequest) error) (*model.SupervisionRequest, error) {
	return mutate(ctx, r.store, store.TableSupervision, store.K(responseID), fn)
}

func (r *Repository) DeleteSupervisionRequest(ctx context.Context, responseID string) error {
	return r.store.Delete(ctx, store.TableSupervision, store.K(responseID))
}

// Approvals

// CreateApproval records the decision only if none exists for the response.
func (r *Repository) CreateApproval(ctx context.Context, ev *model.ApprovalEvent) error {
	_, err := create(ctx, r.store, store.TableApprovals, store.K(ev.ResponseID), ev)
	return err
}

func (r *Repository) GetApproval(ctx context.Context, responseID string) (*model.ApprovalEvent, error) {
	ev, _, err := load[model.ApprovalEvent](ctx, r.store, store.TableApprovals, store.K(responseID))
	return ev, err
}

// Seed writes configured offices and users. Existing users keep their call state.
func (r *Repository) Seed(ctx context.Context, offices []model.Office, users []model.User) error {
	for i := range offices {
		if err := r.PutOffice(ctx, &offices[i]); err != nil {
			return fmt.Errorf("failed to seed office %s: %w", offices[i].Domain, err)
		}
	}
	for i := range users {
		u := users[i]
		_, err := r.UpdateUser(ctx, u.Email, func(existing *model.User) error {
			existing.Name = u.Name
			existing.SupervisionSpaceID = u.SupervisionSpaceID
			existing.IsApprover = u.IsApprover
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			err = r.PutUser(ctx, &u)
		}
		if err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.Email, err)
		}
	}
	return nil
}
