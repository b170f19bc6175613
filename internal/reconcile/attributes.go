package reconcile

import (
	"context"
	"strings"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
)

// overwriteAttributes covers levels 4 and 5: the sale's sector and
// sub-sector replace the opportunity's. An empty sale sector is treated as
// missing data and leaves the sector alone; sub-sector is copied as is, so
// it may become empty.
func (e *Engine) overwriteAttributes(ctx context.Context, r *record) error {
	var changes []audit.Change
	if sector := strings.TrimSpace(r.sale.Sector); sector != "" && sector != r.root.Sector {
		changes = append(changes, audit.Change{Field: model.FieldSector, Value: sector})
	}
	if sub := strings.TrimSpace(r.sale.SubSector); sub != r.root.SubSector {
		changes = append(changes, audit.Change{Field: model.FieldSubSector, Value: sub})
	}
	if len(changes) == 0 {
		return nil
	}

	fields, err := e.apply(ctx, r, r.root, changes...)
	if err != nil {
		return err
	}
	for _, f := range fields {
		r.res.Note(string(f) + " overwritten from sale")
	}
	return nil
}
