package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Stage is the lifecycle state of an opportunity.
type Stage string

const (
	StageSuspect   Stage = "Suspect"
	StageProspect  Stage = "Prospect"
	StageApproach  Stage = "Approach"
	StageNegotiate Stage = "Negotiate"
	StageClose     Stage = "Close"
	StagePayment   Stage = "Payment"
	StageLost      Stage = "Lost"
	StageSleep     Stage = "Sleep"
	StagePending   Stage = "Pending"
	StageReject    Stage = "Reject"
	StageRetention Stage = "Retention"
	StageOrder     Stage = "Order"
)

var allStages = []Stage{
	StageSuspect, StageProspect, StageApproach, StageNegotiate, StageClose,
	StagePayment, StageLost, StageSleep, StagePending, StageReject,
	StageRetention, StageOrder,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range allStages {
		if st == s {
			return true
		}
	}
	return false
}

// IsPipeline reports whether s is one of the pre-order stages that a sale
// promotes straight to Order.
func (s Stage) IsPipeline() bool {
	return s.Valid() && s != StageRetention && s != StageOrder
}

// ParseStage resolves a stage name case-insensitively.
func ParseStage(s string) (Stage, error) {
	for _, st := range allStages {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", eris.Wrapf(ErrValidation, "unknown stage %q", s)
}

// OpportunityType records why an opportunity exists.
type OpportunityType string

const (
	OppTypeNewCustomer  OpportunityType = "New Customer"
	OppTypeCrossSell    OpportunityType = "Cross-Sell"
	OppTypeUpSell       OpportunityType = "Up-Sell"
	OppTypeProductSplit OpportunityType = "Product Split"
	OppTypeNewProduct   OpportunityType = "New Product"
)

// SourceIntegration marks opportunities created by the reconciliation engine.
const SourceIntegration = "Sales Integration"

// MaxFamilies is the number of product-family slots on an opportunity.
const MaxFamilies = 3

// Opportunity is a prospective or active customer relationship keyed by tax id.
type Opportunity struct {
	ID               int64               `json:"id"`
	TaxID            string              `json:"tax_id"`
	CustomerName     string              `json:"customer_name"`
	RepID            string              `json:"rep_id"`
	RepName          string              `json:"rep_name"`
	Sector           string              `json:"sector"`
	SubSector        string              `json:"sub_sector"`
	Families         [MaxFamilies]string `json:"families"`
	Stage            Stage               `json:"stage"`
	Volume           decimal.Decimal     `json:"volume"`
	Potential        decimal.Decimal     `json:"potential"`
	EngineOwned      bool                `json:"engine_owned"`
	Type             OpportunityType     `json:"type,omitempty"`
	Source           string              `json:"source,omitempty"`
	ParentID         *int64              `json:"parent_id,omitempty"`
	LastBatchID      string              `json:"last_batch_id,omitempty"`
	LastEngineUpdate *time.Time          `json:"last_engine_update,omitempty"`
	Deleted          bool                `json:"deleted"`
	EnteredAt        time.Time           `json:"entered_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// FamilyList returns the occupied family slots in order.
func (o *Opportunity) FamilyList() []string {
	out := make([]string, 0, MaxFamilies)
	for _, f := range o.Families {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// HasFamily reports whether family occupies any slot (case-insensitive).
func (o *Opportunity) HasFamily(family string) bool {
	for _, f := range o.Families {
		if f != "" && strings.EqualFold(f, family) {
			return true
		}
	}
	return false
}

// RemoveFamily drops family from the slots and re-packs the remaining
// families to the front. It reports whether anything was removed.
func (o *Opportunity) RemoveFamily(family string) bool {
	var kept []string
	removed := false
	for _, f := range o.Families {
		if f == "" {
			continue
		}
		if strings.EqualFold(f, family) {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if removed {
		o.setFamilies(kept)
	}
	return removed
}

func (o *Opportunity) setFamilies(list []string) {
	o.Families = [MaxFamilies]string{}
	for i, f := range list {
		if i >= MaxFamilies {
			break
		}
		o.Families[i] = f
	}
}

// Field names a mutable opportunity attribute, or an annotation-only audit
// entry that carries no restorable value.
type Field string

const (
	FieldCustomerName Field = "customer_name"
	FieldRepID        Field = "rep_id"
	FieldRepName      Field = "rep_name"
	FieldSector       Field = "sector"
	FieldSubSector    Field = "sub_sector"
	FieldFamilies     Field = "product_families"
	FieldStage        Field = "stage"
	FieldVolume       Field = "volume"
	FieldPotential    Field = "potential"
	FieldDeleted      Field = "deleted"

	NoteCreated        Field = "created"
	NoteRetention      Field = "retention_note"
	NoteSplit          Field = "split_note"
	NoteProductRemoved Field = "product_removed"
	NoteSalesReturn    Field = "sales_return"
)

// Restorable reports whether rollback can write an old value back for f.
func (f Field) Restorable() bool {
	switch f {
	case FieldCustomerName, FieldRepID, FieldRepName, FieldSector, FieldSubSector,
		FieldFamilies, FieldStage, FieldVolume, FieldPotential, FieldDeleted:
		return true
	}
	return false
}

// Valid reports whether f is a known field or note.
func (f Field) Valid() bool {
	switch f {
	case NoteCreated, NoteRetention, NoteSplit, NoteProductRemoved, NoteSalesReturn:
		return true
	}
	return f.Restorable()
}

// Value renders the current value of f as its audit string form.
func (o *Opportunity) Value(f Field) (string, error) {
	switch f {
	case FieldCustomerName:
		return o.CustomerName, nil
	case FieldRepID:
		return o.RepID, nil
	case FieldRepName:
		return o.RepName, nil
	case FieldSector:
		return o.Sector, nil
	case FieldSubSector:
		return o.SubSector, nil
	case FieldFamilies:
		b, err := json.Marshal(o.FamilyList())
		if err != nil {
			return "", eris.Wrap(err, "model: marshal families")
		}
		return string(b), nil
	case FieldStage:
		return string(o.Stage), nil
	case FieldVolume:
		return o.Volume.String(), nil
	case FieldPotential:
		return o.Potential.String(), nil
	case FieldDeleted:
		return strconv.FormatBool(o.Deleted), nil
	}
	return "", eris.Errorf("model: field %q has no value", f)
}

// Set parses v and writes it into f.
func (o *Opportunity) Set(f Field, v string) error {
	switch f {
	case FieldCustomerName:
		o.CustomerName = v
	case FieldRepID:
		o.RepID = v
	case FieldRepName:
		o.RepName = v
	case FieldSector:
		o.Sector = v
	case FieldSubSector:
		o.SubSector = v
	case FieldFamilies:
		var list []string
		if v != "" {
			if err := json.Unmarshal([]byte(v), &list); err != nil {
				return eris.Wrapf(err, "model: parse families %q", v)
			}
		}
		if len(list) > MaxFamilies {
			return eris.Errorf("model: %d families exceed %d slots", len(list), MaxFamilies)
		}
		o.setFamilies(list)
	case FieldStage:
		st, err := ParseStage(v)
		if err != nil {
			return err
		}
		o.Stage = st
	case FieldVolume, FieldPotential:
		d := decimal.Zero
		if v != "" {
			var err error
			d, err = decimal.NewFromString(v)
			if err != nil {
				return eris.Wrapf(err, "model: parse %s %q", f, v)
			}
		}
		if f == FieldVolume {
			o.Volume = d
		} else {
			o.Potential = d
		}
	case FieldDeleted:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return eris.Wrapf(err, "model: parse deleted %q", v)
		}
		o.Deleted = b
	default:
		return eris.Errorf("model: field %q is not restorable", f)
	}
	return nil
}
