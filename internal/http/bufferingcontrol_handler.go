package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/controlplane"
)

// parseAddrs splits a comma-separated "addrs" query/body field into
// dm.BusAddr values. An empty string yields a nil slice, the "all
// registered addresses" sentinel controlplane.Core expects.
func parseAddrs(raw string) ([]dm.BusAddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]dm.BusAddr, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, dm.BusAddr(v))
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	writeCORS(w)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func statusForErr(err error) int {
	switch err {
	case dm.ErrAddrUnknown:
		return http.StatusNotFound
	case dm.ErrBusy:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// ControlSnapshotHandler serves the current pause/selection/override state.
func ControlSnapshotHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, core.GetOfflineControlSnapshot())
	}
}

type pauseRequest struct {
	Addrs  string `json:"addrs"`
	Paused bool   `json:"paused"`
}

// PauseHandler handles POST bodies toggling per-address or global buffer
// pause.
func PauseHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pauseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		addrs, err := parseAddrs(req.Addrs)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := core.SetOfflineBufferPaused(addrs, req.Paused); err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, core.GetOfflineControlSnapshot())
	}
}

// DrainPauseHandler handles POST bodies toggling per-address or global
// drain pause.
func DrainPauseHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pauseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		addrs, err := parseAddrs(req.Addrs)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := core.SetOfflineDrainPaused(addrs, req.Paused); err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, core.GetOfflineControlSnapshot())
	}
}

type resetRequest struct {
	Addrs string `json:"addrs"`
}

// ResetHandler clears buffers named by Addrs (or all, if empty).
func ResetHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		addrs, err := parseAddrs(req.Addrs)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := core.ResetOfflineBuffers(addrs); err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, struct{ OK bool }{true})
	}
}

type rebalanceRequest struct {
	Addrs         string `json:"addrs"`
	GlobalCapByte uint64 `json:"globalCapBytes"`
	MinEntries    int    `json:"minEntries"`
}

// RebalanceHandler shrinks buffers named by Addrs (or all) to fit within
// GlobalCapByte split evenly, never below MinEntries.
func RebalanceHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rebalanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		addrs, err := parseAddrs(req.Addrs)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := core.RebalanceOfflineBuffers(addrs, req.GlobalCapByte, req.MinEntries); err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, core.EstimateOfflineAllocations(addrs))
	}
}

// EstimateHandler reports the per-address RAM allocation estimate.
func EstimateHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addrs, err := parseAddrs(r.URL.Query().Get("addrs"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, core.EstimateOfflineAllocations(addrs))
	}
}

// PeekHandler returns buffered records without draining them.
func PeekHandler(core *controlplane.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addrs, err := parseAddrs(r.URL.Query().Get("addrs"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		startIdx, _ := strconv.Atoi(r.URL.Query().Get("startIdx"))
		maxResp, _ := strconv.Atoi(r.URL.Query().Get("maxResp"))
		maxBytes, _ := strconv.Atoi(r.URL.Query().Get("maxBytes"))

		records, remaining := core.PeekOfflineData(addrs, startIdx, maxResp, maxBytes)
		writeJSON(w, http.StatusOK, struct {
			Records   []controlplane.PeekRecords `json:"records"`
			Remaining int                        `json:"remaining"`
		}{Records: records, Remaining: remaining})
	}
}
