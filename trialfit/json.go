package trialfit

import (
	"encoding/json"
	"math"
)

type termJSON struct {
	Name     string   `json:"name"`
	Estimate float64  `json:"estimate"`
	StdErr   *float64 `json:"std_err"`
}

// MarshalJSON writes a missing standard error as null.
func (t Term) MarshalJSON() ([]byte, error) {
	w := termJSON{Name: t.Name, Estimate: t.Estimate}
	if !math.IsNaN(t.StdErr) && !math.IsInf(t.StdErr, 0) {
		se := t.StdErr
		w.StdErr = &se
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads a null standard error as NaN.
func (t *Term) UnmarshalJSON(b []byte) error {
	var w termJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t.Name = w.Name
	t.Estimate = w.Estimate
	t.StdErr = math.NaN()
	if w.StdErr != nil {
		t.StdErr = *w.StdErr
	}
	return nil
}
