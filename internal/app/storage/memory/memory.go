// Package memory provides a thread-safe in-memory implementation of every
// storage interface. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/expert"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

// Store is the in-memory persistence layer.
type Store struct {
	mu sync.RWMutex

	seq int64

	annotators   map[string]annotator.Profile
	trustRecords map[string]annotator.TrustRecord
	warnings     map[string]annotator.Warning
	snapshots    map[string]annotator.AccuracySnapshot

	experts map[string]expert.Profile
	reviews map[string]expert.Review

	projects map[string]project.Project
	tasks    map[string]project.Task

	assignments map[string]assignment.Assignment
	submissions map[string]annotation.Submission

	consensuses map[string]consensus.Consensus
	agreements  map[string]consensus.PairwiseAgreement
	qualities   map[string]consensus.QualityScore

	goldens map[string]golden.Task
	probes  map[string]golden.ProbeAssignment

	orgBillings     map[string]billing.OrganizationBilling
	creditTxs       map[string]billing.CreditTransaction
	projectBillings map[string]billing.ProjectBilling
	deposits        map[string]billing.SecurityDeposit
	earningsTxs     map[string]billing.EarningsTransaction
	exports         map[string]billing.ExportRecord

	notifications map[string]outbox.Notification

	order map[string]int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		annotators:      map[string]annotator.Profile{},
		trustRecords:    map[string]annotator.TrustRecord{},
		warnings:        map[string]annotator.Warning{},
		snapshots:       map[string]annotator.AccuracySnapshot{},
		experts:         map[string]expert.Profile{},
		reviews:         map[string]expert.Review{},
		projects:        map[string]project.Project{},
		tasks:           map[string]project.Task{},
		assignments:     map[string]assignment.Assignment{},
		submissions:     map[string]annotation.Submission{},
		consensuses:     map[string]consensus.Consensus{},
		agreements:      map[string]consensus.PairwiseAgreement{},
		qualities:       map[string]consensus.QualityScore{},
		goldens:         map[string]golden.Task{},
		probes:          map[string]golden.ProbeAssignment{},
		orgBillings:     map[string]billing.OrganizationBilling{},
		creditTxs:       map[string]billing.CreditTransaction{},
		projectBillings: map[string]billing.ProjectBilling{},
		deposits:        map[string]billing.SecurityDeposit{},
		earningsTxs:     map[string]billing.EarningsTransaction{},
		exports:         map[string]billing.ExportRecord{},
		notifications:   map[string]outbox.Notification{},
		order:           map[string]int64{},
	}
}

func (m *Store) newIDLocked(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	m.seq++
	m.order[id] = m.seq
	return id
}

func (m *Store) sortByInsertion(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return m.order[ids[i]] < m.order[ids[j]] })
}

func notFound(entity, id string) error {
	return &storage.NotFoundError{Entity: entity, ID: id}
}

// AnnotatorStore implementation ----------------------------------------------

func (m *Store) CreateAnnotator(_ context.Context, p annotator.Profile) (annotator.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.ID = m.newIDLocked(p.ID)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Skills = append([]string(nil), p.Skills...)
	p.VerifiedExpertise = append([]string(nil), p.VerifiedExpertise...)
	m.annotators[p.ID] = p
	return p, nil
}

func (m *Store) UpdateAnnotator(_ context.Context, p annotator.Profile) (annotator.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.annotators[p.ID]
	if !ok {
		return annotator.Profile{}, notFound("annotator", p.ID)
	}
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.Skills = append([]string(nil), p.Skills...)
	p.VerifiedExpertise = append([]string(nil), p.VerifiedExpertise...)
	m.annotators[p.ID] = p
	return p, nil
}

func (m *Store) GetAnnotator(_ context.Context, id string) (annotator.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.annotators[id]
	if !ok {
		return annotator.Profile{}, notFound("annotator", id)
	}
	return p, nil
}

func (m *Store) ListAnnotators(_ context.Context) ([]annotator.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.annotators))
	for id := range m.annotators {
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]annotator.Profile, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.annotators[id])
	}
	return result, nil
}

func (m *Store) GetTrustRecord(_ context.Context, annotatorID string) (annotator.TrustRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.trustRecords[annotatorID]
	if !ok {
		return annotator.TrustRecord{}, notFound("trust record", annotatorID)
	}
	return cloneTrustRecord(rec), nil
}

func (m *Store) SaveTrustRecord(_ context.Context, rec annotator.TrustRecord) (annotator.TrustRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.trustRecords[rec.AnnotatorID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = time.Now().UTC()
	m.trustRecords[rec.AnnotatorID] = cloneTrustRecord(rec)
	return rec, nil
}

func (m *Store) CreateWarning(_ context.Context, w annotator.Warning) (annotator.Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w.ID = m.newIDLocked(w.ID)
	w.CreatedAt = time.Now().UTC()
	m.warnings[w.ID] = w
	return w, nil
}

func (m *Store) UpdateWarning(_ context.Context, w annotator.Warning) (annotator.Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.warnings[w.ID]
	if !ok {
		return annotator.Warning{}, notFound("warning", w.ID)
	}
	w.CreatedAt = original.CreatedAt
	m.warnings[w.ID] = w
	return w, nil
}

func (m *Store) GetWarning(_ context.Context, id string) (annotator.Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.warnings[id]
	if !ok {
		return annotator.Warning{}, notFound("warning", id)
	}
	return w, nil
}

func (m *Store) ListWarnings(_ context.Context, annotatorID string) ([]annotator.Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, w := range m.warnings {
		if w.AnnotatorID == annotatorID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	// Newest first.
	result := make([]annotator.Warning, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, m.warnings[ids[i]])
	}
	return result, nil
}

func (m *Store) CreateAccuracySnapshot(_ context.Context, s annotator.AccuracySnapshot) (annotator.AccuracySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent per (annotator, date).
	for _, existing := range m.snapshots {
		if existing.AnnotatorID == s.AnnotatorID && existing.Date == s.Date {
			return existing, nil
		}
	}

	s.ID = m.newIDLocked(s.ID)
	s.CreatedAt = time.Now().UTC()
	m.snapshots[s.ID] = s
	return s, nil
}

func (m *Store) ListAccuracySnapshots(_ context.Context, annotatorID string, limit int) ([]annotator.AccuracySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, s := range m.snapshots {
		if s.AnnotatorID == annotatorID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]annotator.AccuracySnapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, m.snapshots[ids[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ExpertStore implementation --------------------------------------------------

func (m *Store) CreateExpert(_ context.Context, p expert.Profile) (expert.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.ID = m.newIDLocked(p.ID)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Expertise = append([]expert.Expertise(nil), p.Expertise...)
	m.experts[p.ID] = p
	return p, nil
}

func (m *Store) UpdateExpert(_ context.Context, p expert.Profile) (expert.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.experts[p.ID]
	if !ok {
		return expert.Profile{}, notFound("expert", p.ID)
	}
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.Expertise = append([]expert.Expertise(nil), p.Expertise...)
	m.experts[p.ID] = p
	return p, nil
}

func (m *Store) GetExpert(_ context.Context, id string) (expert.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.experts[id]
	if !ok {
		return expert.Profile{}, notFound("expert", id)
	}
	return p, nil
}

func (m *Store) ListExperts(_ context.Context) ([]expert.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.experts))
	for id := range m.experts {
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]expert.Profile, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.experts[id])
	}
	return result, nil
}

func (m *Store) CreateReview(_ context.Context, r expert.Review) (expert.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.newIDLocked(r.ID)
	if r.AssignedAt.IsZero() {
		r.AssignedAt = time.Now().UTC()
	}
	m.reviews[r.ID] = r
	return r, nil
}

func (m *Store) UpdateReview(_ context.Context, r expert.Review) (expert.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reviews[r.ID]; !ok {
		return expert.Review{}, notFound("review", r.ID)
	}
	m.reviews[r.ID] = r
	return r, nil
}

func (m *Store) GetReview(_ context.Context, id string) (expert.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[id]
	if !ok {
		return expert.Review{}, notFound("review", id)
	}
	return r, nil
}

func (m *Store) ListReviewsByExpert(_ context.Context, expertID string, statuses []string) ([]expert.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, r := range m.reviews {
		if r.ExpertID != expertID {
			continue
		}
		if len(statuses) > 0 && !containsString(statuses, r.Status) {
			continue
		}
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]expert.Review, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.reviews[id])
	}
	return result, nil
}

func (m *Store) ListReviewsByTask(_ context.Context, taskID string) ([]expert.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, r := range m.reviews {
		if r.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]expert.Review, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.reviews[id])
	}
	return result, nil
}

func (m *Store) ListOpenReviewsOlderThan(_ context.Context, cutoff time.Time) ([]expert.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, r := range m.reviews {
		if (r.Status == expert.ReviewPending || r.Status == expert.ReviewInReview) && r.AssignedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]expert.Review, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.reviews[id])
	}
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func cloneTrustRecord(rec annotator.TrustRecord) annotator.TrustRecord {
	rec.AccuracyHistory = append([]float64(nil), rec.AccuracyHistory...)
	return rec
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
