// handlers_rules.go - Conversion rule handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/webp-converter/backend/internal/convert"
)

// RulesHandlerImpl implements the RulesHandler interface
type RulesHandlerImpl struct {
	rules     *convert.RulesStore
	rulesPath string
}

// NewRulesHandler creates a new rules handler instance
func NewRulesHandler(rules *convert.RulesStore, rulesPath string) RulesHandler {
	return &RulesHandlerImpl{rules: rules, rulesPath: rulesPath}
}

// HandleGetRules returns the active conversion rules
func (h *RulesHandlerImpl) HandleGetRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.rules.Current())
}

// HandleUpdateRules validates, persists and activates new conversion
// rules
func (h *RulesHandlerImpl) HandleUpdateRules(c echo.Context) error {
	var rules convert.Rules
	if err := c.Bind(&rules); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := rules.Validate(); err != nil {
		return NewBadRequestError("invalid conversion rules", err)
	}

	if h.rulesPath != "" {
		if err := rules.Save(h.rulesPath); err != nil {
			return NewInternalError("failed to persist rules", err)
		}
	}

	h.rules.Update(&rules)
	return c.JSON(http.StatusOK, &rules)
}
