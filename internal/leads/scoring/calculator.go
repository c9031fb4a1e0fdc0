// Package scoring computes lead scores from a policy table and decays them
// for inactive leads.
package scoring

import (
	"slices"
	"strings"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/internal/leads/rules"
	"leadsegments_backend/platform/logger"
	"leadsegments_backend/platform/phone"

	"github.com/google/uuid"
)

// Factor keys recorded in a Breakdown.
const (
	FactorStatus       = "status"
	FactorSource       = "source"
	FactorEmail        = "email"
	FactorCompany      = "company"
	FactorPhone        = "phone"
	FactorActivity     = "activity"
	FactorResponseTime = "response_time"
	FactorTags         = "tags"
	FactorRules        = "rules"
	FactorInactivity   = "inactivity_penalty"
)

// Breakdown is an auditable scoring pass: the sub-scores that contributed,
// their sum, the penalty taken off and the final clamped score.
// MatchedRules names the scoring rules behind the rules factor.
type Breakdown struct {
	Score        int            `json:"score"`
	Subtotal     int            `json:"subtotal"`
	Penalty      int            `json:"penalty"`
	Factors      map[string]int `json:"factors"`
	MatchedRules []string       `json:"matchedRules,omitempty"`
	Version      string         `json:"version"`
}

// Calculator is pure: it reads the lead and the clock and never writes.
type Calculator struct {
	policy Policy
	clock  ports.Clock
	eval   *rules.Evaluator
}

// NewCalculator creates a Calculator. The policy is assumed valid.
func NewCalculator(policy Policy, clock ports.Clock) *Calculator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Calculator{policy: policy, clock: clock, eval: rules.New(clock, nil)}
}

// SetLogger routes rule_skipped diagnostics of scoring rules to log.
func (c *Calculator) SetLogger(log *logger.Logger) {
	c.eval = rules.New(c.clock, log)
}

// Policy returns the weight table in use.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// CalculateLeadScore returns the sum of sub-scores minus the inactivity
// penalty, never below zero.
func (c *Calculator) CalculateLeadScore(lead domain.Lead) int {
	return c.Breakdown(lead).Score
}

// CalculateMultipleLeadScores scores each lead independently.
func (c *Calculator) CalculateMultipleLeadScores(leads []domain.Lead) map[uuid.UUID]int {
	scores := make(map[uuid.UUID]int, len(leads))
	for _, lead := range leads {
		scores[lead.ID] = c.CalculateLeadScore(lead)
	}
	return scores
}

// Breakdown runs a full scoring pass and keeps every non-zero factor.
func (c *Calculator) Breakdown(lead domain.Lead) Breakdown {
	factors := make(map[string]int)
	subtotal := 0
	subtotal += addFactor(factors, FactorStatus, c.CalculateStatusScore(lead))
	subtotal += addFactor(factors, FactorSource, c.CalculateSourceScore(lead))
	subtotal += addFactor(factors, FactorEmail, c.CalculateEmailDomainScore(lead))
	subtotal += addFactor(factors, FactorCompany, c.CalculateCompanyScore(lead))
	subtotal += addFactor(factors, FactorPhone, c.CalculatePhoneScore(lead))
	subtotal += addFactor(factors, FactorActivity, c.CalculateActivityScore(lead))
	subtotal += addFactor(factors, FactorResponseTime, c.CalculateResponseTimeScore(lead))
	subtotal += addFactor(factors, FactorTags, c.CalculateTagsScore(lead))
	rulePoints, matched := c.CalculateRulesScore(lead)
	subtotal += addFactor(factors, FactorRules, rulePoints)

	// The penalty alone can take the score to zero but never past it.
	penalty := min(c.CalculateInactivityPenalty(lead), max(subtotal, 0))
	addFactor(factors, FactorInactivity, -penalty)

	return Breakdown{
		Score:        max(subtotal-penalty, 0),
		Subtotal:     subtotal,
		Penalty:      penalty,
		Factors:      factors,
		MatchedRules: matched,
		Version:      c.policy.Version,
	}
}

// CalculateStatusScore maps the pipeline status through the status table.
func (c *Calculator) CalculateStatusScore(lead domain.Lead) int {
	return lookup(c.policy.Status, lead.StringAttribute(domain.AttrStatus))
}

// CalculateSourceScore maps the acquisition channel through the source table.
func (c *Calculator) CalculateSourceScore(lead domain.Lead) int {
	return lookup(c.policy.Source, lead.StringAttribute(domain.AttrSource))
}

// CalculateEmailDomainScore rewards corporate domains. Missing or malformed
// addresses score nothing.
func (c *Calculator) CalculateEmailDomainScore(lead domain.Lead) int {
	email := strings.ToLower(lead.StringAttribute(domain.AttrEmail))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return 0
	}
	host := email[at+1:]
	if !strings.Contains(host, ".") {
		return 0
	}

	p := c.policy.Email
	var score int
	switch {
	case slices.Contains(p.DisposableDomains, host):
		score = p.Disposable
	case slices.Contains(p.FreeDomains, host):
		score = p.Free
	default:
		score = p.Corporate
	}
	return clampInt(score, 0, p.Max)
}

// CalculateCompanyScore rewards a non-blank company name.
func (c *Calculator) CalculateCompanyScore(lead domain.Lead) int {
	if lead.StringAttribute(domain.AttrCompany) == "" {
		return 0
	}
	return clampInt(c.policy.Company.Present, 0, c.policy.Company.Max)
}

// CalculatePhoneScore rewards a phone number that parses for the policy's
// region. A present but malformed number earns the smaller malformed score.
func (c *Calculator) CalculatePhoneScore(lead domain.Lead) int {
	p := c.policy.Phone
	switch phone.Classify(lead.StringAttribute(domain.AttrPhone), c.policy.PhoneRegion) {
	case phone.QualityValid:
		return clampInt(p.Valid, 0, p.Max)
	case phone.QualityMalformed:
		return clampInt(p.Malformed, 0, p.Max)
	default:
		return 0
	}
}

// CalculateActivityScore combines interaction count (capped) with the
// recency tier of the last recorded activity.
func (c *Calculator) CalculateActivityScore(lead domain.Lead) int {
	p := c.policy.Activity
	score := min(max(lead.Interactions, 0)*p.PerInteraction, p.InteractionsCap)

	if lead.LastActivityAt != nil {
		since := c.clock.Now().Sub(*lead.LastActivityAt)
		score += tierPoints(p.Recency, since, 0)
	}
	return clampInt(score, 0, p.Max)
}

// CalculateResponseTimeScore buckets the time from creation to first
// response. Leads never responded to score nothing.
func (c *Calculator) CalculateResponseTimeScore(lead domain.Lead) int {
	if lead.FirstResponseAt == nil || lead.CreatedAt.IsZero() {
		return 0
	}
	p := c.policy.ResponseTime
	took := lead.FirstResponseAt.Sub(lead.CreatedAt)
	return clampInt(tierPoints(p.Tiers, took, p.Slower), 0, p.Max)
}

// CalculateTagsScore sums the points of each distinct high-value tag, capped.
func (c *Calculator) CalculateTagsScore(lead domain.Lead) int {
	seen := make(map[string]bool)
	score := 0
	for _, tag := range lead.Tags() {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		score += c.policy.Tags.Points[tag]
	}
	return clampInt(score, 0, c.policy.Tags.Max)
}

// CalculateRulesScore sums the points of every active scoring rule the lead
// satisfies, clamped to the policy cap, and names the rules that matched. A
// rule that cannot be evaluated against the lead does not match.
func (c *Calculator) CalculateRulesScore(lead domain.Lead) (int, []string) {
	p := c.policy.Rules
	if len(p.Items) == 0 {
		return 0, nil
	}

	view := rules.NewView(&lead)
	score := 0
	var matched []string
	for _, item := range p.Items {
		if !item.IsActive || item.Rule.Field == "" {
			continue
		}
		if c.eval.MatchesRuleView(view, item.Rule) {
			score += item.Points
			matched = append(matched, item.Name)
		}
	}
	return clampInt(score, -p.Max, p.Max), matched
}

// CalculateInactivityPenalty charges PointsPerDay for each whole day of
// inactivity past the grace period, capped at MaxPenalty.
func (c *Calculator) CalculateInactivityPenalty(lead domain.Lead) int {
	days, ok := lead.DaysInactive(c.clock.Now())
	if !ok {
		return 0
	}
	p := c.policy.Inactivity
	over := days - p.GraceDays
	if over <= 0 {
		return 0
	}
	return clampInt(over*p.PointsPerDay, 0, p.MaxPenalty)
}

func lookup(table TablePolicy, key string) int {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return 0
	}
	return clampInt(table.Points[key], 0, table.Max)
}

// tierPoints returns the points of the first tier d falls under. Negative
// durations count as zero.
func tierPoints(tiers []Tier, d time.Duration, fallback int) int {
	d = max(d, 0)
	for _, tier := range tiers {
		if d < tier.Within {
			return tier.Points
		}
	}
	return fallback
}

func addFactor(factors map[string]int, key string, value int) int {
	if value == 0 {
		return 0
	}
	factors[key] = value
	return value
}

func clampInt(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
