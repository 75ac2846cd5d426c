package assignment

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
)

// Scoring weights: skill 35%, trust 25%, availability 20%, performance 15%,
// cost efficiency 5%.

// trustBaseScores by level.
var trustBaseScores = map[string]float64{
	annotator.LevelNew:     60,
	annotator.LevelJunior:  70,
	annotator.LevelRegular: 80,
	annotator.LevelSenior:  90,
	annotator.LevelExpert:  100,
}

// candidate couples the annotator data the scorer and distributor need.
type candidate struct {
	profile annotator.Profile
	trust   annotator.TrustRecord
	score   float64

	capacityCurrent int
	capacityMax     int
}

func (c *candidate) available() int {
	if avail := c.capacityMax - c.capacityCurrent; avail > 0 {
		return avail
	}
	return 0
}

// eligible applies the hard eligibility filter for a project.
func eligible(prof annotator.Profile, trust annotator.TrustRecord, proj project.Project) bool {
	if prof.Status != annotator.StatusApproved || !prof.AcceptingWork {
		return false
	}
	if trust.Suspended || !trust.CanReceiveAssignments || trust.FraudFlags >= 3 {
		return false
	}
	if proj.MinTrustLevel != "" &&
		annotator.LevelRank(trust.Level) < annotator.LevelRank(proj.MinTrustLevel) {
		return false
	}
	if proj.ExpertiseRequired && !hasExpertise(prof, proj) {
		return false
	}
	return true
}

func hasExpertise(prof annotator.Profile, proj project.Project) bool {
	want := proj.ExpertiseCategory
	if proj.ExpertiseSpecialization != "" {
		want = proj.ExpertiseCategory + "/" + proj.ExpertiseSpecialization
	}
	for _, e := range prof.VerifiedExpertise {
		if e == want || e == proj.ExpertiseCategory {
			return true
		}
	}
	return false
}

// fitScore computes the weighted assignment score on [0,100]. A zero skill
// match disqualifies entirely.
func (s *Service) fitScore(ctx context.Context, c *candidate, proj project.Project) float64 {
	skill := s.skillMatch(c.profile, proj)
	if skill == 0 {
		return 0
	}
	trust := trustScore(c.trust)
	availability := availabilityScore(c)
	performance := s.performanceScore(ctx, c.profile)
	cost := costEfficiency(c)

	return skill*0.35 + trust*0.25 + availability*0.20 + performance*0.15 + cost*0.05
}

// skillMatch scores how the annotator's declared skills cover the project's
// detected annotation types. Projects without a label config accept anyone.
func (s *Service) skillMatch(prof annotator.Profile, proj project.Project) float64 {
	required := annotationSkills(proj.LabelConfig)
	if len(required) == 0 {
		return 100
	}

	skills := map[string]bool{}
	for _, sk := range prof.Skills {
		skills[strings.ToLower(sk)] = true
	}

	// The primary annotation type is mandatory.
	if !skills[required[0]] {
		return 0
	}

	matched := 0
	for _, r := range required {
		if skills[r] {
			matched++
		}
	}
	return math.Min(100, 40+float64(matched)/float64(len(required))*60)
}

// annotationSkills maps a label config to the ordered skill tags it demands.
func annotationSkills(labelConfig string) []string {
	if labelConfig == "" {
		return nil
	}
	lower := strings.ToLower(labelConfig)

	var skills []string
	for _, tag := range []string{
		"rectanglelabels", "polygonlabels", "brushlabels", "keypointlabels",
		"timeserieslabels", "videorectangle", "ellipselabels", "choices",
		"textarea", "labels",
	} {
		if strings.Contains(lower, "<"+tag) {
			skills = append(skills, tag)
		}
	}
	return skills
}

func trustScore(trust annotator.TrustRecord) float64 {
	base, ok := trustBaseScores[trust.Level]
	if !ok {
		base = trustBaseScores[annotator.LevelNew]
	}
	base -= float64(trust.FraudFlags) * 10
	return math.Max(0, math.Min(base, 100))
}

func availabilityScore(c *candidate) float64 {
	if !c.profile.AcceptingWork {
		return 0
	}

	score := 0.0
	if c.capacityMax > 0 {
		score += math.Max(0, (1-float64(c.capacityCurrent)/float64(c.capacityMax))*50)
	}

	if !c.profile.LastActiveAt.IsZero() {
		days := time.Since(c.profile.LastActiveAt).Hours() / 24
		score += math.Max(0, (7-days)/7) * 30
	} else {
		score += 15
	}

	hours := float64(c.profile.PreferredHoursPerWeek)
	if hours >= 20 {
		score += 20
	} else {
		score += hours / 20 * 20
	}
	return math.Min(score, 100)
}

func (s *Service) performanceScore(ctx context.Context, prof annotator.Profile) float64 {
	score := prof.LifetimeAccuracy * 0.4

	all, err := s.assignments.ListAssignmentsByAnnotator(ctx, prof.ID, nil)
	completionRate := 80.0
	if err == nil && len(all) > 0 {
		completed := 0
		for _, a := range all {
			if a.Status == assignment.StatusCompleted {
				completed++
			}
		}
		completionRate = float64(completed) / float64(len(all)) * 100
	}
	score += completionRate * 0.3

	score += math.Max(0, 100-2*prof.RejectionRate) * 0.3
	return math.Min(score, 100)
}

func costEfficiency(c *candidate) float64 {
	multiplier, _ := c.trust.Multiplier.Float64()
	if multiplier <= 0 {
		return math.Min(c.profile.LifetimeAccuracy, 100)
	}
	return math.Min(c.profile.LifetimeAccuracy/multiplier, 100)
}

// capacityLimit is the trust-level cap, lowered (never raised) by a
// per-annotator override.
func capacityLimit(prof annotator.Profile, trust annotator.TrustRecord) int {
	limit, ok := annotator.CapacityLimits[trust.Level]
	if !ok {
		limit = annotator.CapacityLimits[annotator.LevelNew]
	}
	if prof.MaxConcurrentOverride > 0 && prof.MaxConcurrentOverride < limit {
		limit = prof.MaxConcurrentOverride
	}
	return limit
}
