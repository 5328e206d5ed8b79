package ledger

import "fmt"

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Checked   int    `json:"checked"`
	BrokenAt  string `json:"broken_at,omitempty"`
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

// verifier walks events in order and stops at the first broken link.
type verifier struct {
	nextSeq  int64
	prevHash string
	checked  int
	broken   *Event
	err      string
}

func newVerifier(startSeq int64, prevHash string) *verifier {
	return &verifier{nextSeq: startSeq, prevHash: prevHash}
}

// check validates e against the running state. It returns false once the
// chain is broken.
func (v *verifier) check(e *Event) bool {
	if e.Seq != v.nextSeq {
		v.fail(e, fmt.Sprintf("sequence gap: expected %d, got %d", v.nextSeq, e.Seq))
		return false
	}
	if e.PrevHash != v.prevHash {
		v.fail(e, fmt.Sprintf("prev_hash mismatch: expected %q, got %q", v.prevHash, e.PrevHash))
		return false
	}
	want, err := ComputeHash(e, e.PrevHash)
	if err != nil {
		v.fail(e, err.Error())
		return false
	}
	if want != e.ContentHash {
		v.fail(e, fmt.Sprintf("content hash mismatch: computed %s, stored %s", want, e.ContentHash))
		return false
	}
	v.checked++
	v.nextSeq++
	v.prevHash = e.ContentHash
	return true
}

func (v *verifier) fail(e *Event, msg string) {
	v.broken = e
	v.err = msg
}

func (v *verifier) result() VerifyResult {
	if v.broken != nil {
		return VerifyResult{
			Checked:   v.checked,
			BrokenAt:  v.broken.ID,
			BrokenSeq: v.broken.Seq,
			Error:     v.err,
		}
	}
	return VerifyResult{Valid: true, Checked: v.checked}
}

// VerifyEvents checks a complete chain held in memory, starting at Seq 1.
func VerifyEvents(events []Event) VerifyResult {
	v := newVerifier(1, "")
	for i := range events {
		if !v.check(&events[i]) {
			break
		}
	}
	return v.result()
}
