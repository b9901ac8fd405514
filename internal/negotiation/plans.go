package negotiation

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Plan is one subscription package currently offered.
type Plan struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// DefaultPlans is the built-in catalogue used when no plans file is configured.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "premium_monthly", Name: "Premium Monthly", Price: decimal.RequireFromString("9.99")},
		{ID: "premium_monthly_discount", Name: "Premium Monthly (discounted)", Price: decimal.RequireFromString("7.99")},
		{ID: "premium_yearly", Name: "Premium Yearly", Price: decimal.RequireFromString("79.99")},
	}
}

type plansFile struct {
	Plans []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Price string `yaml:"price"`
	} `yaml:"plans"`
}

// LoadPlans reads a YAML catalogue of the form:
//
//	plans:
//	  - id: premium_monthly
//	    name: Premium Monthly
//	    price: "9.99"
func LoadPlans(path string) ([]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return ParsePlans(data)
}

// ParsePlans decodes a YAML plan catalogue.
func ParsePlans(data []byte) ([]Plan, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("decode plans: no plans defined")
	}

	plans := make([]Plan, 0, len(f.Plans))
	seen := make(map[string]struct{}, len(f.Plans))
	for i, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan %d: missing id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("plan %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("plan %q: invalid price %q: %w", p.ID, p.Price, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("plan %q: negative price", p.ID)
		}
		plans = append(plans, Plan{ID: p.ID, Name: p.Name, Price: price})
	}
	return plans, nil
}
