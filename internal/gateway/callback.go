package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

// handleExecutorCallback receives subtask deltas from out-of-process
// executors: each POST is applied via internal/store and then folded
// back into the owning task's status through the same reducer path a
// direct-chat stream's termination uses, so both dispatch paths
// converge on one state-transition rule set.
func (s *Server) handleExecutorCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var cb executor.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "invalid callback body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sub, err := s.cfg.Store.GetSubtask(ctx, cb.SubtaskID)
	if err != nil {
		s.writeCallbackError(w, err)
		return
	}

	result := model.SubtaskResult{}
	if cb.Result != nil {
		result = *cb.Result
	}
	if err := s.cfg.Store.UpdateSubtaskResult(ctx, cb.SubtaskID, cb.Status, cb.Progress, result, cb.ErrorMessage); err != nil {
		s.writeCallbackError(w, err)
		return
	}

	// Rule 5 mirrors a sole subtask's progress/result even
	// for non-terminal updates, so every callback reconciles, not just
	// terminal ones.
	if s.cfg.Reconciler != nil {
		if err := s.cfg.Reconciler.Apply(ctx, sub.TaskID); err != nil {
			s.logger().ErrorContext(ctx, "task-state reduction failed", "task_id", sub.TaskID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) writeCallbackError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if goerr.Is(err, goerr.KindResourceNotFound) {
		code = http.StatusNotFound
	} else if goerr.Is(err, goerr.KindValidationFailed) {
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}
