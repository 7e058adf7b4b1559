package handlers

import (
	"io"
	"net/http"

	"avatarbatch/internal/dispatch"
	"avatarbatch/internal/queue"
)

const maxChunkBody = 1 << 20

type chunkResponse struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Window    string `json:"window,omitempty"`
	Created   int    `json:"created"`
	Failed    int    `json:"failed"`
	Existing  int    `json:"existing"`
	Continued bool   `json:"continued"`
}

// DispatchChunk is the push-queue endpoint. The status code tells the queue
// whether to redeliver.
func (a *App) DispatchChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxChunkBody {
		w.Header().Set(queue.HeaderNonRetryable, "true")
		a.error(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res := a.Dispatcher.Handle(r.Context(), queue.DeliveryFromRequest(r, body))
	if res.Outcome == dispatch.Rejected {
		w.Header().Set(queue.HeaderNonRetryable, "true")
	}
	resp := chunkResponse{
		Outcome:   res.Outcome.String(),
		Reason:    res.Reason,
		Created:   res.Created,
		Failed:    res.Failed,
		Existing:  res.Existing,
		Continued: res.Continued,
	}
	if res.Window.Len() > 0 {
		resp.Window = res.Window.String()
	}
	a.json(w, res.HTTPStatus(), resp)
}
