package explore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
)

// Explorer serves an interactive step-through view of a model's state space
// over HTTP. States are addressed by the path of successor indices taken
// from the initial state, so any prefix of an exploration is a stable URL.
//
//	GET /api/model            model summary
//	GET /api/state            the initial state
//	GET /api/state?path=2,0   the state after taking successors 2 then 0
type Explorer struct {
	model  *Model
	logger log.Logger
}

func NewExplorer(model *Model, logger log.Logger) *Explorer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Explorer{model: model, logger: logger}
}

// Handler returns the explorer's route set.
func (e *Explorer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/model", e.handleModel).Methods(http.MethodGet)
	r.HandleFunc("/api/state", e.handleState).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks serving the explorer API on addr.
func (e *Explorer) ListenAndServe(addr string) error {
	level.Info(e.logger).Log("msg", "serving state-space explorer", "addr", addr)
	return http.ListenAndServe(addr, e.Handler())
}

type modelView struct {
	Actors     int            `json:"actors"`
	Properties []propertyView `json:"properties"`
}

type propertyView struct {
	Name        string `json:"name"`
	Expectation string `json:"expectation"`
}

type stateView struct {
	Path       []int          `json:"path"`
	Actors     []string       `json:"actors"`
	Network    string         `json:"network"`
	Terminal   bool           `json:"terminal"`
	Properties []propertyEval `json:"properties"`
	Successors []stepView     `json:"successors"`
	Faults     []string       `json:"faults,omitempty"`
}

type propertyEval struct {
	Name  string `json:"name"`
	Holds bool   `json:"holds"`
}

type stepView struct {
	Index int    `json:"index"`
	Step  string `json:"step"`
}

func (e *Explorer) handleModel(w http.ResponseWriter, r *http.Request) {
	view := modelView{Actors: len(e.model.Actors)}
	for _, prop := range e.model.Properties {
		view.Properties = append(view.Properties, propertyView{
			Name:        prop.Name,
			Expectation: prop.Expectation.String(),
		})
	}
	writeJSON(w, e.logger, view)
}

func (e *Explorer) handleState(w http.ResponseWriter, r *http.Request) {
	path, err := parsePath(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := e.model.Init()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for i, idx := range path {
		succs, _ := e.model.Next(state)
		if idx < 0 || idx >= len(succs) {
			http.Error(w, fmt.Sprintf("no successor %d at step %d", idx, i), http.StatusNotFound)
			return
		}
		state = succs[idx].State
	}

	succs, faults := e.model.Next(state)
	view := stateView{
		Path:     path,
		Network:  fmt.Sprintf("%v", state.Network),
		Terminal: len(succs) == 0 && len(faults) == 0,
	}
	if view.Path == nil {
		view.Path = []int{}
	}
	for _, actor := range state.Actors {
		view.Actors = append(view.Actors, fmt.Sprintf("%v", actor))
	}
	for _, prop := range e.model.Properties {
		view.Properties = append(view.Properties, propertyEval{
			Name:  prop.Name,
			Holds: prop.Pred(e.model, state),
		})
	}
	for i, succ := range succs {
		view.Successors = append(view.Successors, stepView{Index: i, Step: succ.Step.String()})
	}
	for _, fault := range faults {
		view.Faults = append(view.Faults, fault.Error())
	}
	writeJSON(w, e.logger, view)
}

func parsePath(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	path := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad path element %q: %v", part, err)
		}
		path = append(path, idx)
	}
	return path, nil
}

func writeJSON(w http.ResponseWriter, logger log.Logger, view interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		level.Error(logger).Log("msg", "encoding response", "err", err)
	}
}
