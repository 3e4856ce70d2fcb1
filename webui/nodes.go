package webui

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"opcua-gateway/errs"
	"opcua-gateway/value"
)

type writeRequest struct {
	Value interface{} `json:"value"`
	// StructType is the data type id used for object values.
	StructType string `json:"structType"`
}

type callRequest struct {
	ObjectID string        `json:"objectId" binding:"required"`
	MethodID string        `json:"methodId" binding:"required"`
	Args     []interface{} `json:"args"`
}

type nodesRequest struct {
	Nodes []string `json:"nodes" binding:"required"`
}

func (s *Server) getNamespaces(c *gin.Context) {
	g, ok := s.gateway(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"namespaces":       g.Namespaces(),
		"defaultNamespace": g.DefaultNamespace(),
	})
}

func (s *Server) readNode(c *gin.Context) {
	id, ok := nodeIDParam(c)
	if !ok {
		return
	}
	g, ok := s.gateway(c)
	if !ok {
		return
	}
	res, err := g.Read(c.Request.Context(), []value.NodeID{id})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if res[0].Err != nil {
		abortWithError(c, res[0].Err)
		return
	}
	c.JSON(http.StatusOK, toResultJSON(res[0]))
}

func (s *Server) writeNode(c *gin.Context) {
	id, ok := nodeIDParam(c)
	if !ok {
		return
	}
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var structType value.NodeID
	if req.StructType != "" {
		var err error
		if structType, err = value.ParseNodeID(req.StructType); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	v, ok := value.FromPlain(req.Value, structType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported value"})
		return
	}

	g, ok := s.gateway(c)
	if !ok {
		return
	}
	results, err := g.Write(c.Request.Context(), []value.NodeData{{NodeID: id, Value: v}})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if results[0] != nil {
		abortWithError(c, results[0])
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodeId": id.String(), "message": "value written"})
}

func (s *Server) describeNode(c *gin.Context) {
	id, ok := nodeIDParam(c)
	if !ok {
		return
	}
	g, ok := s.gateway(c)
	if !ok {
		return
	}
	d, err := g.Describe(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := gin.H{"nodeId": d.NodeID.String(), "nodeClass": d.NodeClass}
	if !d.DataType.IsZero() {
		out["dataType"] = d.DataType.String()
	}
	if d.InputArguments != nil || d.OutputArguments != nil {
		out["inputArguments"] = d.InputArguments
		out["outputArguments"] = d.OutputArguments
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) callMethod(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids, ok := parseNodeIDs(c, []string{req.ObjectID, req.MethodID})
	if !ok {
		return
	}
	args := make([]value.Value, len(req.Args))
	for i, a := range req.Args {
		v, ok := value.FromPlain(a, value.NodeID{})
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported argument value"})
			return
		}
		args[i] = v
	}

	g, ok := s.gateway(c)
	if !ok {
		return
	}
	out, err := g.Call(c.Request.Context(), ids[0], ids[1], args)
	if err != nil {
		abortWithError(c, err)
		return
	}
	plain := make([]interface{}, len(out))
	for i, v := range out {
		plain[i] = value.Plain(v)
	}
	c.JSON(http.StatusOK, gin.H{"outputs": plain})
}

func (s *Server) getSubscriptions(c *gin.Context) {
	g, ok := s.gateway(c)
	if !ok {
		return
	}
	ids := g.Subscribed()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (s *Server) subscribe(c *gin.Context) {
	var req nodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids, ok := parseNodeIDs(c, req.Nodes)
	if !ok {
		return
	}
	g, ok := s.gateway(c)
	if !ok {
		return
	}
	res, err := g.Subscribe(c.Request.Context(), ids)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]resultJSON, len(res))
	for i, r := range res {
		out[i] = toResultJSON(r)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) unsubscribe(c *gin.Context) {
	id, ok := nodeIDParam(c)
	if !ok {
		return
	}
	g, ok := s.gateway(c)
	if !ok {
		return
	}
	if !isSubscribed(g.Subscribed(), id) {
		abortWithError(c, fmt.Errorf("%s: %w", id, errs.ErrNotSubscribed))
		return
	}
	if err := g.Unsubscribe(c.Request.Context(), []value.NodeID{id}); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func isSubscribed(ids []value.NodeID, id value.NodeID) bool {
	for _, n := range ids {
		if n == id {
			return true
		}
	}
	return false
}
