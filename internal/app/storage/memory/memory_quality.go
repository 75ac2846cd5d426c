package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
)

// ConsensusStore implementation -----------------------------------------------

func (m *Store) CreateConsensus(_ context.Context, c consensus.Consensus) (consensus.Consensus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.consensuses {
		if existing.TaskID == c.TaskID {
			return consensus.Consensus{}, fmt.Errorf("consensus for task %s already exists", c.TaskID)
		}
	}

	c.ID = m.newIDLocked(c.ID)
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = consensus.StatusPending
	}
	m.consensuses[c.ID] = c
	return c, nil
}

func (m *Store) UpdateConsensus(_ context.Context, c consensus.Consensus) (consensus.Consensus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.consensuses[c.ID]
	if !ok {
		return consensus.Consensus{}, notFound("consensus", c.ID)
	}
	c.CreatedAt = original.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.consensuses[c.ID] = c
	return c, nil
}

func (m *Store) GetConsensus(_ context.Context, id string) (consensus.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.consensuses[id]
	if !ok {
		return consensus.Consensus{}, notFound("consensus", id)
	}
	return c, nil
}

func (m *Store) GetConsensusByTask(_ context.Context, taskID string) (consensus.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.consensuses {
		if c.TaskID == taskID {
			return c, nil
		}
	}
	return consensus.Consensus{}, notFound("consensus for task", taskID)
}

func (m *Store) ListStaleConsensus(_ context.Context, cutoff time.Time) ([]consensus.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, c := range m.consensuses {
		if c.Status == consensus.StatusInConsensus && c.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]consensus.Consensus, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.consensuses[id])
	}
	return result, nil
}

func (m *Store) CreatePairwiseAgreement(_ context.Context, a consensus.PairwiseAgreement) (consensus.PairwiseAgreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The pair is unordered; normalize before storing.
	if a.AnnotatorB < a.AnnotatorA {
		a.AnnotatorA, a.AnnotatorB = a.AnnotatorB, a.AnnotatorA
	}

	a.ID = m.newIDLocked(a.ID)
	a.CreatedAt = time.Now().UTC()
	m.agreements[a.ID] = a
	return a, nil
}

func (m *Store) ListPairwiseAgreements(_ context.Context, consensusID string) ([]consensus.PairwiseAgreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range m.agreements {
		if a.ConsensusID == consensusID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]consensus.PairwiseAgreement, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.agreements[id])
	}
	return result, nil
}

func (m *Store) CreateQualityScore(_ context.Context, q consensus.QualityScore) (consensus.QualityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q.ID = m.newIDLocked(q.ID)
	q.CreatedAt = time.Now().UTC()
	m.qualities[q.ID] = q
	return q, nil
}

func (m *Store) ListQualityScores(_ context.Context, consensusID string) ([]consensus.QualityScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, q := range m.qualities {
		if q.ConsensusID == consensusID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]consensus.QualityScore, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.qualities[id])
	}
	return result, nil
}

// GoldenStore implementation --------------------------------------------------

func (m *Store) CreateGolden(_ context.Context, g golden.Task) (golden.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g.ID = m.newIDLocked(g.ID)
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.Tolerance == 0 {
		g.Tolerance = golden.DefaultTolerance
	}
	m.goldens[g.ID] = g
	return g, nil
}

func (m *Store) UpdateGolden(_ context.Context, g golden.Task) (golden.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.goldens[g.ID]
	if !ok {
		return golden.Task{}, notFound("golden task", g.ID)
	}
	g.CreatedAt = original.CreatedAt
	g.UpdatedAt = time.Now().UTC()
	m.goldens[g.ID] = g
	return g, nil
}

func (m *Store) GetGolden(_ context.Context, id string) (golden.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.goldens[id]
	if !ok {
		return golden.Task{}, notFound("golden task", id)
	}
	return g, nil
}

func (m *Store) ListGoldens(_ context.Context, projectID string) ([]golden.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, g := range m.goldens {
		if g.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]golden.Task, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.goldens[id])
	}
	return result, nil
}

func (m *Store) ListUnseenGoldens(_ context.Context, projectID, annotatorID string, limit int) ([]golden.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	for _, p := range m.probes {
		if p.AnnotatorID == annotatorID {
			seen[p.GoldenID] = true
		}
	}

	ids := make([]string, 0)
	for id, g := range m.goldens {
		if g.ProjectID != projectID || !g.Injectable() || seen[id] {
			continue
		}
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]golden.Task, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.goldens[id])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Store) CreateProbeAssignment(_ context.Context, p golden.ProbeAssignment) (golden.ProbeAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.probes {
		if existing.AnnotatorID == p.AnnotatorID && existing.GoldenID == p.GoldenID {
			return golden.ProbeAssignment{}, fmt.Errorf("probe for annotator %s on golden %s already exists", p.AnnotatorID, p.GoldenID)
		}
	}

	p.ID = m.newIDLocked(p.ID)
	p.CreatedAt = time.Now().UTC()
	if p.Status == "" {
		p.Status = golden.ProbePending
	}
	m.probes[p.ID] = p
	return p, nil
}

func (m *Store) UpdateProbeAssignment(_ context.Context, p golden.ProbeAssignment) (golden.ProbeAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.probes[p.ID]
	if !ok {
		return golden.ProbeAssignment{}, notFound("probe assignment", p.ID)
	}
	p.CreatedAt = original.CreatedAt
	m.probes[p.ID] = p
	return p, nil
}

func (m *Store) GetProbeAssignment(_ context.Context, id string) (golden.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.probes[id]
	if !ok {
		return golden.ProbeAssignment{}, notFound("probe assignment", id)
	}
	return p, nil
}

func (m *Store) GetPendingProbeByTask(_ context.Context, annotatorID, taskID string) (golden.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.probes {
		if p.AnnotatorID != annotatorID || p.Status != golden.ProbePending {
			continue
		}
		g, ok := m.goldens[p.GoldenID]
		if ok && g.TaskID == taskID {
			return p, nil
		}
	}
	return golden.ProbeAssignment{}, notFound("pending probe for task", taskID)
}

func (m *Store) ListEvaluatedProbes(_ context.Context, annotatorID string, limit int) ([]golden.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, p := range m.probes {
		if p.AnnotatorID == annotatorID && p.Status == golden.ProbeEvaluated {
			ids = append(ids, id)
		}
	}
	// Newest first, by insertion order.
	m.sortByInsertion(ids)
	result := make([]golden.ProbeAssignment, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, m.probes[ids[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Store) GetLastEvaluatedProbe(_ context.Context, annotatorID, projectID string) (golden.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best golden.ProbeAssignment
	found := false
	for _, p := range m.probes {
		if p.AnnotatorID != annotatorID || p.Status != golden.ProbeEvaluated || p.ProjectID != projectID {
			continue
		}
		if !found || p.SubmittedAt.After(best.SubmittedAt) {
			best = p
			found = true
		}
	}
	if !found {
		return golden.ProbeAssignment{}, notFound("evaluated probe", annotatorID+"/"+projectID)
	}
	return best, nil
}

func (m *Store) ListConsensusByStatus(_ context.Context, status string, limit int) ([]consensus.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, c := range m.consensuses {
		if c.Status == status {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]consensus.Consensus, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.consensuses[id])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
