package domain

// ApplyDelta validates a store update against the current record and returns
// the updated record. Stores call it inside their transaction so the check and
// the write observe the same row.
func ApplyDelta(current CertificationRequest, expected, next Status, delta JournalDelta) (CertificationRequest, error) {
	if current.Status != expected {
		return CertificationRequest{}, ConflictError{RequestID: current.ID, Reason: "status is " + string(current.Status) + ", expected " + string(expected)}
	}
	if current.Version != delta.ExpectedVersion {
		return CertificationRequest{}, ConflictError{RequestID: current.ID, Reason: "record version changed"}
	}
	if !next.Valid() {
		return CertificationRequest{}, ValidationError{Field: "status", Message: "unknown status " + string(next)}
	}
	journal, err := current.Journal.Append(delta.Slot, delta.Ref)
	if err != nil {
		if IsConflict(err) {
			return CertificationRequest{}, ConflictError{RequestID: current.ID, Reason: "journal slot " + string(delta.Slot) + " already recorded"}
		}
		return CertificationRequest{}, err
	}
	out := current.Clone()
	out.Journal = journal
	out.Status = next
	if delta.LedgerID != nil {
		if out.LedgerID != nil && *out.LedgerID != *delta.LedgerID {
			return CertificationRequest{}, ConflictError{RequestID: current.ID, Reason: "ledger id already assigned"}
		}
		id := *delta.LedgerID
		out.LedgerID = &id
	}
	if delta.InspectorID != nil {
		out.InspectorID = cloneString(delta.InspectorID)
	}
	if delta.CertifierID != nil {
		out.CertifierID = cloneString(delta.CertifierID)
	}
	out.Version = current.Version + 1
	if !delta.Ref.RecordedAt.IsZero() {
		out.UpdatedAt = delta.Ref.RecordedAt
	}
	return out, nil
}
