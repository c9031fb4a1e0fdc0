package scoring

import (
	"fmt"
	"os"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/phone"
	"leadsegments_backend/platform/validator"

	"gopkg.in/yaml.v3"
)

// defaultPolicyVersion tracks the built-in weight table. Bump it when the
// defaults change so stored breakdowns can be told apart.
const defaultPolicyVersion = "2025-v1"

// Policy is the tunable weight table behind every sub-score and the decay
// schedule. It is a value injected at construction; nothing reads globals.
type Policy struct {
	Version      string           `yaml:"version" validate:"required"`
	PhoneRegion  string           `yaml:"phone_region" validate:"omitempty,len=2"`
	Status       TablePolicy      `yaml:"status"`
	Source       TablePolicy      `yaml:"source"`
	Email        EmailPolicy      `yaml:"email"`
	Company      CompanyPolicy    `yaml:"company"`
	Phone        PhonePolicy      `yaml:"phone"`
	Activity     ActivityPolicy   `yaml:"activity"`
	ResponseTime ResponsePolicy   `yaml:"response_time"`
	Tags         TablePolicy      `yaml:"tags"`
	Rules        RulesPolicy      `yaml:"rules"`
	Inactivity   InactivityPolicy `yaml:"inactivity"`
	Decay        DecayPolicy      `yaml:"decay"`
}

// TablePolicy maps a lower-cased key to points.
type TablePolicy struct {
	Points map[string]int `yaml:"points" validate:"dive,keys,required,endkeys,gte=0"`
	Max    int            `yaml:"max" validate:"gte=0"`
}

// EmailPolicy rewards corporate domains over free-mail and disposable ones.
type EmailPolicy struct {
	Corporate         int      `yaml:"corporate" validate:"gte=0"`
	Free              int      `yaml:"free" validate:"gte=0"`
	Disposable        int      `yaml:"disposable" validate:"gte=0"`
	FreeDomains       []string `yaml:"free_domains" validate:"dive,required"`
	DisposableDomains []string `yaml:"disposable_domains" validate:"dive,required"`
	Max               int      `yaml:"max" validate:"gte=0"`
}

type CompanyPolicy struct {
	Present int `yaml:"present" validate:"gte=0"`
	Max     int `yaml:"max" validate:"gte=0"`
}

type PhonePolicy struct {
	Valid     int `yaml:"valid" validate:"gte=0"`
	Malformed int `yaml:"malformed" validate:"gte=0"`
	Max       int `yaml:"max" validate:"gte=0"`
}

// ActivityPolicy scores interaction count plus how recent the last activity was.
type ActivityPolicy struct {
	PerInteraction  int    `yaml:"per_interaction" validate:"gte=0"`
	InteractionsCap int    `yaml:"interactions_cap" validate:"gte=0"`
	Recency         []Tier `yaml:"recency" validate:"dive"`
	Max             int    `yaml:"max" validate:"gte=0"`
}

// ResponsePolicy buckets time-to-first-response into discrete tiers.
type ResponsePolicy struct {
	Tiers  []Tier `yaml:"tiers" validate:"dive"`
	Slower int    `yaml:"slower" validate:"gte=0"`
	Max    int    `yaml:"max" validate:"gte=0"`
}

// Tier awards Points when the measured duration is below Within.
type Tier struct {
	Within time.Duration `yaml:"within" validate:"gt=0"`
	Points int           `yaml:"points" validate:"gte=0"`
}

// RulesPolicy holds operator-defined scoring rules. The points of every
// matched active rule are summed and clamped to [-Max, Max].
type RulesPolicy struct {
	Items []ScoreRule `yaml:"items" validate:"unique=Name,dive"`
	Max   int         `yaml:"max" validate:"gte=0"`
}

// ScoreRule awards Points, possibly negative, to leads satisfying Rule.
type ScoreRule struct {
	Name        string      `yaml:"name" json:"name" validate:"required"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Rule        domain.Rule `yaml:"rule" json:"rule"`
	Points      int         `yaml:"points" json:"points" validate:"gte=-100,lte=100"`
	IsActive    bool        `yaml:"is_active" json:"isActive"`
}

// InactivityPolicy is the per-pass penalty for days without activity.
type InactivityPolicy struct {
	GraceDays    int `yaml:"grace_days" validate:"gte=0"`
	PointsPerDay int `yaml:"points_per_day" validate:"gte=0"`
	MaxPenalty   int `yaml:"max_penalty" validate:"gte=0"`
}

// DecayPolicy drives the persisted score decay.
type DecayPolicy struct {
	ThresholdDays int `yaml:"threshold_days" validate:"gte=1"`
	StepPercent   int `yaml:"step_percent" validate:"gte=1,lte=100"`
	StepEveryDays int `yaml:"step_every_days" validate:"gte=1"`
	MaxPercent    int `yaml:"max_percent" validate:"gte=1,lte=100"`
	IntervalDays  int `yaml:"interval_days" validate:"gte=1"`
}

// DefaultPolicy returns the built-in weight table.
func DefaultPolicy() Policy {
	return Policy{
		Version:     defaultPolicyVersion,
		PhoneRegion: phone.DefaultRegion,
		Status: TablePolicy{
			Points: map[string]int{
				"new":         5,
				"contacted":   10,
				"qualified":   20,
				"negotiating": 25,
				"converted":   30,
				"lost":        0,
			},
			Max: 30,
		},
		Source: TablePolicy{
			Points: map[string]int{
				"referral": 15,
				"partner":  15,
				"event":    12,
				"organic":  10,
				"website":  10,
				"paid":     8,
				"social":   6,
				"cold":     3,
			},
			Max: 20,
		},
		Email: EmailPolicy{
			Corporate:  10,
			Free:       4,
			Disposable: 0,
			FreeDomains: []string{
				"gmail.com", "googlemail.com", "yahoo.com", "yahoo.com.br", "hotmail.com",
				"outlook.com", "live.com", "msn.com", "icloud.com", "me.com", "aol.com",
				"protonmail.com", "proton.me", "gmx.com", "uol.com.br", "bol.com.br",
			},
			DisposableDomains: []string{
				"mailinator.com", "guerrillamail.com", "10minutemail.com", "tempmail.com",
				"yopmail.com", "trashmail.com", "sharklasers.com",
			},
			Max: 10,
		},
		Company: CompanyPolicy{Present: 5, Max: 5},
		Phone:   PhonePolicy{Valid: 5, Malformed: 1, Max: 5},
		Activity: ActivityPolicy{
			PerInteraction:  2,
			InteractionsCap: 15,
			Recency: []Tier{
				{Within: 24 * time.Hour, Points: 10},
				{Within: 7 * 24 * time.Hour, Points: 6},
				{Within: 30 * 24 * time.Hour, Points: 3},
			},
			Max: 25,
		},
		ResponseTime: ResponsePolicy{
			Tiers: []Tier{
				{Within: time.Hour, Points: 10},
				{Within: 24 * time.Hour, Points: 6},
				{Within: 72 * time.Hour, Points: 3},
			},
			Slower: 0,
			Max:    10,
		},
		Tags: TablePolicy{
			Points: map[string]int{
				"vip":            10,
				"hot":            5,
				"enterprise":     5,
				"decision_maker": 5,
			},
			Max: 10,
		},
		Rules:      RulesPolicy{Max: 20},
		Inactivity: InactivityPolicy{GraceDays: 14, PointsPerDay: 1, MaxPenalty: 20},
		Decay: DecayPolicy{
			ThresholdDays: 30,
			StepPercent:   10,
			StepEveryDays: 30,
			MaxPercent:    50,
			IntervalDays:  7,
		},
	}
}

// Validate checks field ranges and tier ordering. Every failure is a
// configuration error.
func (p Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "invalid scoring policy: "+validator.Describe(err), err)
	}
	if err := ascending("activity.recency", p.Activity.Recency); err != nil {
		return err
	}
	if err := ascending("response_time.tiers", p.ResponseTime.Tiers); err != nil {
		return err
	}
	if p.Decay.MaxPercent < p.Decay.StepPercent {
		return apperr.Configuration("invalid scoring policy: decay.max_percent must be at least decay.step_percent")
	}
	return p.Rules.validate()
}

func (p RulesPolicy) validate() error {
	if len(p.Items) > 0 && p.Max == 0 {
		return apperr.Configuration("invalid scoring policy: rules.max must be positive when rules are defined")
	}
	for _, item := range p.Items {
		// Rules built in code bypass the decoder, so rebuild each one.
		if _, err := domain.NewRule(item.Rule.Field, item.Rule.Operator.String(), item.Rule.Operand()); err != nil {
			return apperr.Wrap(apperr.KindConfiguration, fmt.Sprintf("invalid scoring policy: rule %q", item.Name), err)
		}
	}
	return nil
}

func ascending(name string, tiers []Tier) error {
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Within <= tiers[i-1].Within {
			return apperr.Configuration(fmt.Sprintf("invalid scoring policy: %s must be in ascending order", name))
		}
	}
	return nil
}

// LoadPolicy reads a YAML policy file. Sections omitted from the file keep
// their defaults and point tables merge key by key. An empty path returns
// DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, apperr.Wrap(apperr.KindConfiguration, "read scoring policy", err).WithOp(path)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes YAML over DefaultPolicy and validates the result.
func ParsePolicy(raw []byte) (Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, apperr.Wrap(apperr.KindConfiguration, "decode scoring policy", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}
