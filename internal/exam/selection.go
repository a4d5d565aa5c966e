package exam

// ResolveScope fixes the final set of scored questions for an attempt.
//
// Non-selective sections contribute every question. A selective section
// contributes the student's selection; if fewer than the required count
// were selected, answered-but-unselected questions backfill in original
// question order until the count is met. An under-count is accepted when
// the student simply did not answer enough questions. A selection larger
// than the required count is rejected: the write path caps selections,
// so seeing one here means stored state is corrupt.
//
// The returned scope lists question ids in definition order.
func ResolveScope(e Exam, selections map[string][]string, answered map[string]bool) ([]string, error) {
	var scope []string
	for _, sec := range e.Sections {
		if !sec.Selective {
			for _, q := range sec.Questions {
				scope = append(scope, q.ID)
			}
			continue
		}

		inSection := map[string]bool{}
		for _, q := range sec.Questions {
			inSection[q.ID] = true
		}
		chosen := map[string]bool{}
		for _, id := range selections[sec.ID] {
			if !inSection[id] {
				return nil, ErrInvariantViolation
			}
			chosen[id] = true
		}
		if len(chosen) > sec.RequiredSelectionCount {
			return nil, ErrInvariantViolation
		}

		// Backfill from answered questions, in definition order, until
		// the required count is met or answers run out.
		need := sec.RequiredSelectionCount - len(chosen)
		for _, q := range sec.Questions {
			if need == 0 {
				break
			}
			if !chosen[q.ID] && answered[q.ID] {
				chosen[q.ID] = true
				need--
			}
		}

		for _, q := range sec.Questions {
			if chosen[q.ID] {
				scope = append(scope, q.ID)
			}
		}
	}
	return scope, nil
}
