// Package negotiation reads the structured outcome a pricing specialist
// reports at the end of its turn.
package negotiation

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/geistlabs/geistai-sub001/internal/domain"
)

// DefaultSpecialist is the agent name whose final text is parsed.
const DefaultSpecialist = "pricing_agent"

var fencedBlockRe = regexp.MustCompile("(?s)```[ \t]*(?:json|JSON)?[ \t]*\r?\n?(.*?)```")

var resultKeys = map[string]struct{}{
	"final_price":         {},
	"package_id":          {},
	"negotiation_summary": {},
}

type result struct {
	FinalPrice         string `validate:"required,offered_price"`
	PackageID          string `validate:"required,offered_package"`
	NegotiationSummary string `validate:"required"`
}

// Parser validates negotiation results against a plan catalogue. Parse never
// fails loudly: anything unexpected yields no result.
type Parser struct {
	specialist string
	plans      []Plan
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewParser builds a Parser for the given specialist agent name. An empty
// specialist or plan list falls back to the defaults.
func NewParser(specialist string, plans []Plan, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	if specialist == "" {
		specialist = DefaultSpecialist
	}
	if len(plans) == 0 {
		plans = DefaultPlans()
	}

	p := &Parser{
		specialist: specialist,
		plans:      plans,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
	_ = p.validate.RegisterValidation("offered_package", func(fl validator.FieldLevel) bool {
		return p.offersPackage(fl.Field().String())
	})
	_ = p.validate.RegisterValidation("offered_price", func(fl validator.FieldLevel) bool {
		price, err := decimal.NewFromString(fl.Field().String())
		return err == nil && p.offersPrice(price)
	})
	return p
}

// Specialist returns the agent name this parser handles.
func (p *Parser) Specialist() string {
	return p.specialist
}

// Handles reports whether agent is the pricing specialist.
func (p *Parser) Handles(agent string) bool {
	return agent == p.specialist
}

// Plans returns the catalogue results are validated against.
func (p *Parser) Plans() []Plan {
	return append([]Plan(nil), p.plans...)
}

// Parse extracts the single fenced JSON block from text. It returns false
// when there is not exactly one block, the JSON is not the expected object,
// or the price or package is not in the catalogue.
func (p *Parser) Parse(text string) (*domain.NegotiationResult, bool) {
	blocks := fencedBlockRe.FindAllStringSubmatch(text, -1)
	if len(blocks) != 1 {
		p.logger.Debug("negotiation result not found", "blocks", len(blocks))
		return nil, false
	}

	r, err := decodeResult([]byte(strings.TrimSpace(blocks[0][1])))
	if err != nil {
		p.logger.Debug("negotiation result rejected", "error", err)
		return nil, false
	}
	if err := p.validate.Struct(r); err != nil {
		p.logger.Debug("negotiation result rejected", "error", err)
		return nil, false
	}

	return &domain.NegotiationResult{
		FinalPrice:         decimal.RequireFromString(r.FinalPrice),
		PackageID:          r.PackageID,
		NegotiationSummary: r.NegotiationSummary,
	}, true
}

func decodeResult(data []byte) (result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return result{}, err
	}
	if fields == nil {
		return result{}, errShape("not an object")
	}
	for k := range fields {
		if _, ok := resultKeys[k]; !ok {
			return result{}, errShape("unexpected key " + k)
		}
	}
	if len(fields) != len(resultKeys) {
		return result{}, errShape("missing keys")
	}

	var r result
	price := bytes.TrimSpace(fields["final_price"])
	var n json.Number
	if len(price) == 0 || price[0] == '"' || json.Unmarshal(price, &n) != nil {
		return result{}, errShape("final_price is not a number")
	}
	if _, err := decimal.NewFromString(n.String()); err != nil {
		return result{}, errShape("final_price is not a number")
	}
	r.FinalPrice = n.String()

	if err := json.Unmarshal(fields["package_id"], &r.PackageID); err != nil {
		return result{}, errShape("package_id is not a string")
	}
	if err := json.Unmarshal(fields["negotiation_summary"], &r.NegotiationSummary); err != nil {
		return result{}, errShape("negotiation_summary is not a string")
	}
	return r, nil
}

func (p *Parser) offersPackage(id string) bool {
	for _, plan := range p.plans {
		if plan.ID == id {
			return true
		}
	}
	return false
}

func (p *Parser) offersPrice(price decimal.Decimal) bool {
	for _, plan := range p.plans {
		if plan.Price.Equal(price) {
			return true
		}
	}
	return false
}

type errShape string

func (e errShape) Error() string { return "invalid negotiation result: " + string(e) }
