package bids

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
)

// Payload is the closed union of bid bodies: *QuotePayload, *AskPayload
// or *PreferencePayload. Unknown keys are kept in Extras and round-trip.
type Payload interface {
	Kind() Kind
	action() policy.Action
	validate(p policy.Principal, w types.Workflow) error
	project(b *Bid)
}

// QuotePayload is a buyer's monetary bid
type QuotePayload struct {
	QBundle decimal.Decimal  `json:"qbundle_inr"`
	QLU     *decimal.Decimal `json:"qlu_inr,omitempty"`
	QTDR    *decimal.Decimal `json:"qtdr_inr,omitempty"`
	QPRU    *decimal.Decimal `json:"qpru_inr,omitempty"`
	QNet    *decimal.Decimal `json:"qnet_inr,omitempty"`
	Extras  map[string]any   `json:"-"`
}

// AskPayload is a developer's DCU offer. TotalAsk is always derived.
type AskPayload struct {
	Units            decimal.Decimal  `json:"dcu_units"`
	PricePerUnit     decimal.Decimal  `json:"ask_price_per_unit_inr"`
	TotalAsk         decimal.Decimal  `json:"total_ask_inr"`
	CompUnits        *decimal.Decimal `json:"compensatory_dcu_units,omitempty"`
	CompPricePerUnit *decimal.Decimal `json:"compensatory_ask_price_per_unit_inr,omitempty"`
	DeltaNextRound   *decimal.Decimal `json:"delta_ask_next_round_inr,omitempty"`
	Extras           map[string]any   `json:"-"`
}

// PreferencePayload is a slum dweller's non-monetary choice
type PreferencePayload struct {
	RehabOption string         `json:"rehab_option"`
	Household   map[string]any `json:"household_details,omitempty"`
	Consent     map[string]any `json:"consent,omitempty"`
	Extras      map[string]any `json:"-"`
}

func (*QuotePayload) Kind() Kind      { return KindQuote }
func (*AskPayload) Kind() Kind        { return KindAsk }
func (*PreferencePayload) Kind() Kind { return KindPreference }

func (*QuotePayload) action() policy.Action      { return policy.ActionSubmitQuote }
func (*AskPayload) action() policy.Action        { return policy.ActionSubmitAsk }
func (*PreferencePayload) action() policy.Action { return policy.ActionSubmitPreferences }

// ComputeTotal derives units x price rounded to the paisa
func ComputeTotal(units, price decimal.Decimal) decimal.Decimal {
	return units.Mul(price).RoundBank(2)
}

func nonNegative(name string, d *decimal.Decimal) error {
	if d != nil && d.IsNegative() {
		return types.Invalid(name + " must be non-negative")
	}
	return nil
}

func (q *QuotePayload) validate(p policy.Principal, w types.Workflow) error {
	if err := nonNegative("qbundle_inr", &q.QBundle); err != nil {
		return err
	}
	for name, v := range map[string]*decimal.Decimal{"qlu_inr": q.QLU, "qtdr_inr": q.QTDR, "qpru_inr": q.QPRU, "qnet_inr": q.QNet} {
		if err := nonNegative(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (a *AskPayload) validate(p policy.Principal, w types.Workflow) error {
	if err := nonNegative("dcu_units", &a.Units); err != nil {
		return err
	}
	if err := nonNegative("ask_price_per_unit_inr", &a.PricePerUnit); err != nil {
		return err
	}
	if err := nonNegative("compensatory_dcu_units", a.CompUnits); err != nil {
		return err
	}
	if err := nonNegative("compensatory_ask_price_per_unit_inr", a.CompPricePerUnit); err != nil {
		return err
	}
	if err := policy.EnforceDCUOnlyAsk(p, a.Extras); err != nil {
		return err
	}
	a.TotalAsk = ComputeTotal(a.Units, a.PricePerUnit)
	return nil
}

func (pr *PreferencePayload) validate(p policy.Principal, w types.Workflow) error {
	if err := policy.EnforcePreferencesWorkflow(w); err != nil {
		return err
	}
	if l := len(pr.RehabOption); l == 0 || l > 128 {
		return types.Invalid("rehab_option must be 1-128 characters")
	}
	return nil
}

func nullOf(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func (q *QuotePayload) project(b *Bid) {
	b.QBundle = decimal.NewNullDecimal(q.QBundle)
}

func (a *AskPayload) project(b *Bid) {
	b.Units = decimal.NewNullDecimal(a.Units)
	b.PricePerUnit = decimal.NewNullDecimal(a.PricePerUnit)
	b.Total = decimal.NewNullDecimal(a.TotalAsk)
	b.CompUnits = nullOf(a.CompUnits)
	b.CompPricePerUnit = nullOf(a.CompPricePerUnit)
	b.DeltaNextRound = nullOf(a.DeltaNextRound)
}

func (*PreferencePayload) project(*Bid) {}

var (
	quoteKeys      = []string{"qbundle_inr", "qlu_inr", "qtdr_inr", "qpru_inr", "qnet_inr"}
	askKeys        = []string{"dcu_units", "ask_price_per_unit_inr", "total_ask_inr", "compensatory_dcu_units", "compensatory_ask_price_per_unit_inr", "delta_ask_next_round_inr"}
	preferenceKeys = []string{"rehab_option", "household_details", "consent"}
)

// splitExtras returns the members of doc not named in known, failing
// when any of required is absent
func splitExtras(doc []byte, known, required []string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var all map[string]any
	if err := dec.Decode(&all); err != nil {
		return nil, err
	}
	for _, k := range required {
		if _, ok := all[k]; !ok {
			return nil, types.Invalid(k + " is required")
		}
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtras flattens extras into the typed document; typed keys win
func mergeExtras(typed any, extras map[string]any) ([]byte, error) {
	b, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extras) == 0 {
		return b, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	for k, v := range extras {
		if _, taken := doc[k]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		doc[k] = raw
	}
	return json.Marshal(doc)
}

func (q *QuotePayload) UnmarshalJSON(b []byte) error {
	type plain QuotePayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	extras, err := splitExtras(b, quoteKeys, []string{"qbundle_inr"})
	if err != nil {
		return err
	}
	*q = QuotePayload(v)
	q.Extras = extras
	return nil
}

func (q QuotePayload) MarshalJSON() ([]byte, error) {
	type plain QuotePayload
	return mergeExtras(plain(q), q.Extras)
}

func (a *AskPayload) UnmarshalJSON(b []byte) error {
	type plain AskPayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	extras, err := splitExtras(b, askKeys, []string{"dcu_units", "ask_price_per_unit_inr"})
	if err != nil {
		return err
	}
	*a = AskPayload(v)
	a.Extras = extras
	return nil
}

func (a AskPayload) MarshalJSON() ([]byte, error) {
	type plain AskPayload
	return mergeExtras(plain(a), a.Extras)
}

func (pr *PreferencePayload) UnmarshalJSON(b []byte) error {
	type plain PreferencePayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	extras, err := splitExtras(b, preferenceKeys, []string{"rehab_option"})
	if err != nil {
		return err
	}
	*pr = PreferencePayload(v)
	pr.Extras = extras
	return nil
}

func (pr PreferencePayload) MarshalJSON() ([]byte, error) {
	type plain PreferencePayload
	return mergeExtras(plain(pr), pr.Extras)
}

// DecodePayload parses a request body into the payload type for kind
func DecodePayload(kind Kind, body []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindQuote:
		p = &QuotePayload{}
	case KindAsk:
		p = &AskPayload{}
	case KindPreference:
		p = &PreferencePayload{}
	default:
		return nil, types.Invalid(fmt.Sprintf("unknown bid kind %q", kind))
	}
	if err := json.Unmarshal(body, p); err != nil {
		if types.KindOf(err) != "" {
			return nil, err
		}
		return nil, types.Invalid(fmt.Sprintf("malformed %s payload: %v", kind, err))
	}
	return p, nil
}
