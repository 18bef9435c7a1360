// Package httpstatus exposes the resource ledger over HTTP for
// debugging and dashboards, grounded on the teacher's server package
// wiring gin handlers directly onto its scheduler/model state (see its
// registration of /api/ps against the running-model map).
package httpstatus

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nnserve/exectask/resource"
)

// snapshotResponse is the wire shape of a Monitor's Snapshot, keyed by
// tag string since resource.Tag is not itself JSON-marshalable (its
// fields are exported but the enum members print friendlier via
// String()).
type snapshotResponse struct {
	Available    map[string]float64 `json:"available"`
	OutstandingN int                `json:"outstanding_reservations"`
}

// Handler returns a gin.HandlerFunc that renders mon's current
// snapshot as JSON.
func Handler(mon *resource.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := mon.Snapshot()
		resp := snapshotResponse{
			Available:    make(map[string]float64, len(snap.Available)),
			OutstandingN: snap.OutstandingN,
		}
		for tag, qty := range snap.Available {
			resp.Available[tag.String()] = qty
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Register mounts Handler at path on r, following the teacher's
// pattern of small, explicitly-registered routes rather than a
// generated router.
func Register(r gin.IRouter, path string, mon *resource.Monitor) {
	r.GET(path, Handler(mon))
}
