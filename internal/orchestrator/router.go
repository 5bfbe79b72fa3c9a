package orchestrator

import (
	"strings"

	"github.com/outcomelabs/flowd/internal/handler"
	"github.com/outcomelabs/flowd/internal/workflow"
)

// stageHandlers binds lifecycle stages to their dedicated handlers.
// Stage binding takes absolute precedence over query content.
var stageHandlers = map[workflow.Stage]string{
	workflow.StageDiscovery: handler.NameDiscovery,
	workflow.StageAnalysis:  handler.NameAnalysis,
	workflow.StageDesign:    handler.NameInterventionDesign,
	workflow.StageModeling:  handler.NameFinancialModeling,
}

// keywordRoute is one intent-routing rule: if any term appears in the
// lowercased query, route to the named handler.
type keywordRoute struct {
	handler string
	terms   []string
}

// keywordRoutes are evaluated in order, first match wins. The order is
// part of the routing contract: a query matching both financial and
// system terms routes to financial modeling.
var keywordRoutes = []keywordRoute{
	{handler.NameFinancialModeling, []string{"roi", "financial", "revenue", "cost", "payback", "npv"}},
	{handler.NameSystemMapping, []string{"system", "map", "process", "dependency", "architecture"}},
	{handler.NameInterventionDesign, []string{"intervention", "solution", "design", "fix", "improve"}},
	{handler.NameOutcomeEngineering, []string{"outcome", "result", "kpi", "metric", "goal"}},
}

// selectHandler picks the handler for a query given the active stage.
//
// Precedence: stage binding, then keyword intent in declared order,
// then the coordinator.
func selectHandler(stage workflow.Stage, query string) string {
	if name, ok := stageHandlers[stage]; ok {
		return name
	}
	q := strings.ToLower(query)
	for _, route := range keywordRoutes {
		for _, term := range route.terms {
			if strings.Contains(q, term) {
				return route.handler
			}
		}
	}
	return handler.NameCoordinator
}
