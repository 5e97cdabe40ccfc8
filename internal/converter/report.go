package converter

import (
	"fmt"
	"strings"
	"time"

	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
)

// State is a conversion run state.
type State string

const (
	StateIdle        State = "idle"
	StateExtracting  State = "extracting"
	StateNormalizing State = "normalizing"
	StateEmitting    State = "emitting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Issue is a skipped record or a data-quality warning.
type Issue struct {
	Code    cerrors.ErrorCode `json:"code"`
	DataID  string            `json:"dataId"`
	Index   int               `json:"index"`
	Class   string            `json:"class,omitempty"`
	Message string            `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s#%d: %s", i.Code, i.DataID, i.Index, i.Message)
}

// Report summarises one conversion run. Counts are always present so a
// clean run and a run with caveats are distinguishable.
type Report struct {
	RunID              string        `json:"runId"`
	Dataset            string        `json:"dataset"`
	Target             string        `json:"target"`
	State              State         `json:"state"`
	DataUnits          int           `json:"dataUnits"`
	Images             int           `json:"images"`
	Annotations        int           `json:"annotations"`
	Categories         int           `json:"categories"`
	Degenerate         int           `json:"degenerate"`
	DegenerateRefs     []string      `json:"degenerateRefs"`
	UnitsWithoutResult int           `json:"unitsWithoutResult"`
	TracksFilled       int           `json:"tracksFilled"`
	Skipped            []Issue       `json:"skipped"`
	Warnings           []Issue       `json:"warnings"`
	OutputPaths        []string      `json:"outputPaths"`
	Error              string        `json:"error,omitempty"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"durationNs"`
	History            []Transition  `json:"history"`
}

func newReport(runID, target string) *Report {
	return &Report{
		RunID:          runID,
		Target:         target,
		State:          StateIdle,
		DegenerateRefs: []string{},
		Skipped:        []Issue{},
		Warnings:       []Issue{},
		OutputPaths:    []string{},
		History:        []Transition{},
		StartedAt:      time.Now().UTC(),
	}
}

func (r *Report) transition(to State) {
	if r.State.Terminal() {
		return
	}
	r.History = append(r.History, Transition{From: r.State, To: to, At: time.Now().UTC()})
	r.State = to
}

func (r *Report) fail(err error) {
	r.Error = err.Error()
	r.transition(StateFailed)
}

// Succeeded reports whether the run reached Done.
func (r *Report) Succeeded() bool {
	return r.State == StateDone
}

// Summary renders the counts and reasons on a few lines.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s) %s: %d data units, %d images, %d annotations, %d categories, %d skipped, %d warnings, %d degenerate",
		r.RunID, r.Target, r.State, r.DataUnits, r.Images, r.Annotations, r.Categories,
		len(r.Skipped), len(r.Warnings), r.Degenerate)
	if r.UnitsWithoutResult > 0 {
		fmt.Fprintf(&b, ", %d units without result", r.UnitsWithoutResult)
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(&b, "\n  skipped: %s", s)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	for _, p := range r.OutputPaths {
		fmt.Fprintf(&b, "\n  wrote: %s", p)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\n  error: %s", r.Error)
	}
	return b.String()
}
