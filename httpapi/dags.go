package httpapi

import (
	"net/http"
	"strings"

	conduit "github.com/forgeworks/conduit"
	"github.com/forgeworks/conduit/planner"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerDAGRoutes() {
	g := s.echo.Group("/dags")
	g.GET("", s.listDAGs)
	g.POST("", s.createDAG)
	g.GET("/:id", s.getDAG)
	g.DELETE("/:id", s.deleteDAG)
	g.POST("/:id/execute", s.executeDAG)
	g.POST("/:id/nodes", s.insertDAGNode)
	g.POST("/:id/nodes/:nid/approve", s.approveDAGNode)
}

func (s *Server) listDAGs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.DAGs.List(c.Request().Context()))
}

// createDAGRequest supports two shapes: a literal graph (Nodes/Edges set
// directly) or a brief (Project/Brief set), which is routed through the
// Planner Client and materialized into a graph here.
type createDAGRequest struct {
	Project string `json:"project"`
	Name    string `json:"name"`

	Brief        string `json:"brief"`
	ExtraContext string `json:"extra_context"`

	Nodes []conduit.DAGNode `json:"nodes"`
	Edges []conduit.DAGEdge `json:"edges"`
}

func (s *Server) createDAG(c echo.Context) error {
	var req createDAGRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	d := conduit.DAG{
		Project: req.Project,
		Name:    req.Name,
		Mode:    conduit.ApprovalPerTask,
		Creator: conduit.CreatorManual,
	}

	if req.Brief != "" {
		if s.Planner == nil {
			return fail(c, conduit.NewError(conduit.ClassValidation, "httpapi.createDAG", "planner is not configured"))
		}
		out, err := s.Planner.PlanBrief(c.Request().Context(), req.Project, req.Brief, req.ExtraContext, s.plannerRoles())
		if err != nil {
			return fail(c, err)
		}
		d.Creator = conduit.CreatorPlanner
		if d.Name == "" {
			d.Name = out.Name
		}
		d.Mode = conduit.ApprovalMode(out.ApprovalMode)
		if d.Mode == "" {
			d.Mode = conduit.ApprovalPerTask
		}
		nodes, edges, err := materializePlan(out)
		if err != nil {
			return fail(c, err)
		}
		d.Nodes, d.Edges = nodes, edges
	} else {
		d.Nodes, d.Edges = req.Nodes, req.Edges
	}

	created, err := s.DAGs.Create(c.Request().Context(), d)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) plannerRoles() []planner.RoleInfo {
	if s.Roles == nil {
		return nil
	}
	roles := s.Roles.List()
	out := make([]planner.RoleInfo, 0, len(roles))
	for _, r := range roles {
		out = append(out, planner.RoleInfo{ID: r.ID, Description: r.Description, Capabilities: r.Capabilities})
	}
	return out
}

// materializePlan turns a planner.Output template into concrete DAG
// nodes/edges: task nodes start NodePending, gate nodes parse their
// Condition (including an "expr:<CEL>" form into ConditionExpr), and
// Globs is split on "," into Allow patterns.
func materializePlan(out planner.Output) ([]conduit.DAGNode, []conduit.DAGEdge, error) {
	nodes := make([]conduit.DAGNode, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		node := conduit.DAGNode{
			ID:    n.ID,
			Title: n.Title,
			State: conduit.NodePending,
		}
		switch n.Kind {
		case "gate":
			node.Kind = conduit.NodeGate
			cond := n.Gate
			if strings.HasPrefix(cond, "expr:") {
				node.Condition = conduit.GateCondition(cond)
				node.ConditionExpr = strings.TrimPrefix(cond, "expr:")
			} else {
				node.Condition = conduit.GateCondition(cond)
			}
		case "fan_out":
			node.Kind = conduit.NodeFanOut
		case "fan_in":
			node.Kind = conduit.NodeFanIn
		default:
			node.Kind = conduit.NodeTask
			node.Briefing = n.Briefing
			node.Role = n.Role
			if n.Globs != "" {
				node.Allow = strings.Split(n.Globs, ",")
				for i := range node.Allow {
					node.Allow[i] = strings.TrimSpace(node.Allow[i])
				}
			}
		}
		nodes = append(nodes, node)
	}

	edges := make([]conduit.DAGEdge, 0, len(out.Edges))
	for _, e := range out.Edges {
		edges = append(edges, conduit.DAGEdge{Source: e.From, Target: e.To})
	}
	return nodes, edges, nil
}

func (s *Server) getDAG(c echo.Context) error {
	d, err := s.DAGs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) deleteDAG(c echo.Context) error {
	if err := s.DAGs.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) executeDAG(c echo.Context) error {
	d, err := s.Executor.Start(detachedContext(c.Request().Context()), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) approveDAGNode(c echo.Context) error {
	d, err := s.Executor.ApproveGate(c.Request().Context(), c.Param("id"), c.Param("nid"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) insertDAGNode(c echo.Context) error {
	var req struct {
		Node  conduit.DAGNode   `json:"node"`
		Edges []conduit.DAGEdge `json:"edges"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Node.State == "" {
		req.Node.State = conduit.NodePending
	}
	d, err := s.Executor.InsertNode(c.Request().Context(), c.Param("id"), req.Node, req.Edges)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}
