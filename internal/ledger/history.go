package ledger

// History is the read-only view of committed records the engine consults
// while the card is locked.
type History interface {
	ByReference(ref string) (Record, bool)
	ByID(id string) (Record, bool)
	// RefundedAmount is the sum of completed, unreversed refunds pointing at
	// purchaseID, in minor units.
	RefundedAmount(purchaseID string) int64
	ReversalOf(id string) (Record, bool)
}

// RecordSet is a History over an in-memory slice of records. Stores load the
// records relevant to an intent into one.
type RecordSet struct {
	records []Record
}

// NewRecordSet builds a RecordSet from a copy of records.
func NewRecordSet(records ...Record) *RecordSet {
	return &RecordSet{records: append([]Record(nil), records...)}
}

// Add appends r to the set.
func (s *RecordSet) Add(r Record) {
	s.records = append(s.records, r)
}

func (s *RecordSet) ByReference(ref string) (Record, bool) {
	if ref == "" {
		return Record{}, false
	}
	for _, r := range s.records {
		if r.Reference == ref {
			return r, true
		}
	}
	return Record{}, false
}

func (s *RecordSet) ByID(id string) (Record, bool) {
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

func (s *RecordSet) RefundedAmount(purchaseID string) int64 {
	var total int64
	for _, r := range s.records {
		if r.Kind != KindRefund || r.TargetID != purchaseID || r.Status != StatusCompleted {
			continue
		}
		if _, reversed := s.ReversalOf(r.ID); reversed {
			continue
		}
		total += r.Amount.Amount
	}
	return total
}

func (s *RecordSet) ReversalOf(id string) (Record, bool) {
	for _, r := range s.records {
		if r.Kind == KindReversal && r.TargetID == id && r.Status == StatusCompleted {
			return r, true
		}
	}
	return Record{}, false
}
