package webui

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"opcua-gateway/driver/opcua"
	"opcua-gateway/errs"
	"opcua-gateway/value"
)

// gateway returns the running gateway or answers 503.
func (s *Server) gateway(c *gin.Context) (*opcua.Gateway, bool) {
	g := s.dm.Gateway()
	if g == nil || g.State() != opcua.StateOpen {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway is not connected"})
		return nil, false
	}
	return g, true
}

// nodeIDParam parses the wildcard id segment or answers 400.
func nodeIDParam(c *gin.Context) (value.NodeID, bool) {
	raw := strings.TrimPrefix(c.Param("id"), "/")
	id, err := value.ParseNodeID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return value.NodeID{}, false
	}
	return id, true
}

func parseNodeIDs(c *gin.Context, raw []string) ([]value.NodeID, bool) {
	ids, err := opcua.ParseNodes(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return ids, true
}

// httpStatus maps gateway errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrNotSubscribed):
		return http.StatusNotFound
	case errs.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errs.IsConversion(err), errors.Is(err, errs.ErrArgumentsCount):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// resultJSON is the wire form of an opcua.Result.
type resultJSON struct {
	NodeID     string      `json:"nodeId"`
	Value      interface{} `json:"value,omitempty"`
	SourceTime int64       `json:"sourceTime,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func toResultJSON(r opcua.Result) resultJSON {
	out := resultJSON{NodeID: r.NodeID.String(), SourceTime: r.SourceTime, Error: errString(r.Err)}
	if r.Err == nil {
		out.Value = value.Plain(r.Value)
	}
	return out
}
